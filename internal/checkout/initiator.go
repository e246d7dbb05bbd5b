package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wakala/checkoutd/internal/currency"
	"github.com/wakala/checkoutd/internal/domain"
	"github.com/wakala/checkoutd/internal/gateway"
	"github.com/wakala/checkoutd/internal/metrics"
)

// PurchaseDetails is what the buyer submitted on the payment form.
type PurchaseDetails struct {
	Email     string          `json:"email"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Mobile    string          `json:"mobile,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	OfferID   string          `json:"offer_id"`
	OfferType string          `json:"offer_type"`
	OfferName string          `json:"offer_name,omitempty"`
}

type Initializer interface {
	Initialize(ctx context.Context, req gateway.InitializeRequest) (*gateway.InitializeResult, error)
}

type Ledger interface {
	Insert(ctx context.Context, s *domain.PaymentSession) error
}

type SessionSaver interface {
	Save(ctx context.Context, s *domain.PaymentSession) error
}

// Initiator turns purchase details into a persisted PaymentSession awaiting
// confirmation.
type Initiator struct {
	gateway Initializer
	ledger  Ledger
	store   SessionSaver
	maxWait time.Duration
	source  string
	logger  zerolog.Logger
	now     func() time.Time
}

func NewInitiator(gw Initializer, ledger Ledger, store SessionSaver, maxWait time.Duration, source string, logger zerolog.Logger) *Initiator {
	return &Initiator{
		gateway: gw,
		ledger:  ledger,
		store:   store,
		maxWait: maxWait,
		source:  source,
		logger:  logger.With().Str("component", "initiator").Logger(),
		now:     time.Now,
	}
}

// Initiate sends exactly one initialization request. On failure it returns a
// *domain.InitiationError and nothing is persisted.
func (i *Initiator) Initiate(ctx context.Context, buyerKey string, d PurchaseDetails) (*domain.PaymentSession, error) {
	code, err := currency.Normalize(d.Currency)
	if err != nil {
		metrics.InitiationFailures.Inc()
		return nil, &domain.InitiationError{Message: "unsupported currency", Err: err}
	}
	amount, _ := currency.Round(d.Amount, code)

	session := &domain.PaymentSession{
		BuyerKey:      buyerKey,
		Amount:        amount,
		Currency:      code,
		OfferID:       d.OfferID,
		OfferType:     d.OfferType,
		OfferName:     d.OfferName,
		CustomerEmail: d.Email,
		Status:        domain.StatusInitiating,
	}

	res, err := i.gateway.Initialize(ctx, gateway.InitializeRequest{
		Email:     d.Email,
		Amount:    amount,
		Currency:  code,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Mobile:    d.Mobile,
		OfferType: d.OfferType,
		OfferName: d.OfferName,
		Source:    i.source,
	})
	if err != nil {
		metrics.InitiationFailures.Inc()
		i.logger.Warn().Err(err).Str("buyer", buyerKey).Msg("payment initiation failed")
		return nil, err
	}

	now := i.now().UTC().Truncate(time.Second)
	session.Reference = res.Reference
	session.CheckoutURL = res.AuthorizationURL
	session.CreatedAt = now
	session.ExpiresAt = now.Add(i.maxWait)
	if err := session.Transition(domain.StatusAwaitingConfirmation, "", "", now); err != nil {
		return nil, err
	}

	if err := i.ledger.Insert(ctx, session); err != nil {
		metrics.InitiationFailures.Inc()
		return nil, &domain.InitiationError{Message: "could not record payment session", Err: err}
	}
	if err := i.store.Save(ctx, session); err != nil {
		metrics.InitiationFailures.Inc()
		return nil, &domain.InitiationError{Message: "could not persist payment session", Err: fmt.Errorf("save %s: %w", session.Reference, err)}
	}

	metrics.SessionsStarted.Inc()
	i.logger.Info().
		Str("buyer", buyerKey).
		Str("reference", session.Reference).
		Str("amount", session.Amount.String()).
		Str("currency", session.Currency).
		Time("expires_at", session.ExpiresAt).
		Msg("payment session started")

	return session, nil
}
