package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wakala/checkoutd/internal/domain"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the payment gateway's initialize and verify endpoints.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "checkoutd/1.0")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		http:   httpClient,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

type InitializeRequest struct {
	Email     string          `json:"email"`
	Amount    decimal.Decimal `json:"-"`
	Currency  string          `json:"currency"`
	FirstName string          `json:"firstName"`
	LastName  string          `json:"lastName"`
	Mobile    string          `json:"mobile,omitempty"`
	OfferType string          `json:"offerType"`
	OfferName string          `json:"offerName,omitempty"`
	Source    string          `json:"source,omitempty"`
}

// MarshalJSON sends the amount as a JSON number.
func (r InitializeRequest) MarshalJSON() ([]byte, error) {
	type alias InitializeRequest
	return json.Marshal(struct {
		alias
		Amount json.Number `json:"amount"`
	}{alias(r), json.Number(r.Amount.String())})
}

type InitializeResult struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
}

type initializeResponse struct {
	Success          bool   `json:"success"`
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
	Error            string `json:"error"`
	Message          string `json:"message"`
}

// Initialize asks the gateway to start a payment. Every failure is a
// *domain.InitiationError. It is never retried.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	var out initializeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/initialize")
	if err != nil {
		return nil, &domain.InitiationError{Message: "gateway unreachable", Err: err}
	}

	if !out.Success || resp.IsError() {
		msg := firstNonEmpty(out.Error, out.Message)
		if msg == "" {
			msg = fmt.Sprintf("gateway returned %d", resp.StatusCode())
		}
		c.logger.Warn().Int("status", resp.StatusCode()).Str("error", msg).Msg("initialize rejected")
		return nil, &domain.InitiationError{Message: msg}
	}
	if out.Reference == "" || out.AuthorizationURL == "" {
		return nil, &domain.InitiationError{Message: "gateway response missing reference or authorization_url"}
	}

	return &InitializeResult{Reference: out.Reference, AuthorizationURL: out.AuthorizationURL}, nil
}

type VerifyResult struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Email     string `json:"email,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Verify asks the gateway for the current status of a payment. Transport
// failures and unusable responses wrap domain.ErrTransport.
func (c *Client) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	var out VerifyResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("reference", reference).
		SetResult(&out).
		Get("/verify")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("verify %s: %w: %v", reference, domain.ErrTransport, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("verify %s: %w: status %d", reference, domain.ErrTransport, resp.StatusCode())
	}
	if out.Status == "" {
		return nil, fmt.Errorf("verify %s: %w: response has no status", reference, domain.ErrTransport)
	}
	if out.Reference == "" {
		out.Reference = reference
	}
	return &out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
