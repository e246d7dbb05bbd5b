package reconciliation

import (
	"context"
	"net/url"

	"github.com/wakala/checkoutd/internal/domain"
)

// Outcome is the terminal result of one confirmation.
type Outcome struct {
	Session domain.PaymentSession `json:"session"`
	Status  domain.Status         `json:"status"`
	NextURL string                `json:"next_url"`
}

// OutcomeHandler performs the side effects of a resolved session. It is
// called exactly once per session.
type OutcomeHandler interface {
	HandleOutcome(ctx context.Context, o Outcome)
}

type OutcomeHandlerFunc func(ctx context.Context, o Outcome)

func (f OutcomeHandlerFunc) HandleOutcome(ctx context.Context, o Outcome) { f(ctx, o) }

// Pages are where the buyer is sent for each outcome. Expired goes to the
// pending page, where the buyer can check the status again.
type Pages struct {
	SuccessURL   string
	DeclinedURL  string
	PendingURL   string
	CancelledURL string
}

func (p Pages) NextURL(s domain.PaymentSession) string {
	params := url.Values{}
	var base string
	switch s.Status {
	case domain.StatusSucceeded:
		base = p.SuccessURL
		params.Set("reference", s.Reference)
	case domain.StatusDeclined:
		base = p.DeclinedURL
		params.Set("reference", s.Reference)
		if s.Reason != "" {
			params.Set("reason", s.Reason)
		}
	case domain.StatusCancelled:
		base = p.CancelledURL
	default:
		base = p.PendingURL
		params.Set("reference", s.Reference)
		params.Set("status", string(s.Status))
	}
	if base == "" {
		base = "/"
	}
	if len(params) == 0 {
		return base
	}

	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}
