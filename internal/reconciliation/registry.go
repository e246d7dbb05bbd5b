package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wakala/checkoutd/internal/channel"
	"github.com/wakala/checkoutd/internal/checkout"
	"github.com/wakala/checkoutd/internal/domain"
)

type Initiator interface {
	Initiate(ctx context.Context, buyerKey string, d checkout.PurchaseDetails) (*domain.PaymentSession, error)
}

// Ledger is the session history the registry reads when no confirmation is
// running for a buyer.
type Ledger interface {
	SessionLedger
	GetByReference(ctx context.Context, reference string) (*domain.PaymentSession, error)
	LatestForBuyer(ctx context.Context, buyerKey string) (*domain.PaymentSession, error)
}

type RegistryConfig struct {
	Initiator Initiator
	Store     PendingStore
	Ledger    Ledger
	Events    EventLog
	Verifier  channel.Verifier
	Bus       *channel.Bus
	Origins   *channel.OriginAllowList
	Poll      channel.PollConfig
	Handler   OutcomeHandler
	Pages     Pages

	EventBuffer int
	Logger      zerolog.Logger
}

// Registry hosts one Coordinator per buyer with a payment in flight.
type Registry struct {
	cfg    RegistryConfig
	logger zerolog.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Coordinator
}

func NewRegistry(cfg RegistryConfig) *Registry {
	ctx, stop := context.WithCancel(context.Background())
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "registry").Logger(),
		ctx:    ctx,
		stop:   stop,
		active: make(map[string]*Coordinator),
	}
}

// Begin starts a new payment for buyerKey, cancelling any payment of theirs
// still awaiting confirmation.
func (r *Registry) Begin(ctx context.Context, buyerKey string, d checkout.PurchaseDetails) (*domain.PaymentSession, error) {
	if err := r.supersede(ctx, buyerKey); err != nil {
		return nil, err
	}

	session, err := r.cfg.Initiator.Initiate(ctx, buyerKey, d)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.start(*session)
	r.mu.Unlock()
	return session, nil
}

func (r *Registry) supersede(ctx context.Context, buyerKey string) error {
	r.mu.Lock()
	prev := r.active[buyerKey]
	r.mu.Unlock()

	if prev != nil {
		prev.Cancel("superseded")
		if _, err := prev.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	// A stored session nobody is confirming, e.g. left behind by a failed resume.
	stored, err := r.cfg.Store.Load(ctx, buyerKey)
	if err != nil {
		return fmt.Errorf("load pending session: %w", err)
	}
	if stored != nil && stored.Pending() {
		r.closeOrphan(ctx, stored, "superseded")
	}
	return nil
}

// start must be called with r.mu held.
func (r *Registry) start(session domain.PaymentSession, extra ...channel.Channel) *Coordinator {
	channels := []channel.Channel{
		channel.NewMessageChannel(r.cfg.Bus, session.BuyerKey, r.cfg.Origins, r.cfg.Logger),
		channel.NewPollChannel(r.cfg.Verifier, r.cfg.Poll, r.cfg.Logger),
	}
	channels = append(channels, extra...)

	c := NewCoordinator(Deps{
		Store:       r.cfg.Store,
		Ledger:      r.cfg.Ledger,
		Events:      r.cfg.Events,
		Handler:     r.cfg.Handler,
		Pages:       r.cfg.Pages,
		EventBuffer: r.cfg.EventBuffer,
		Logger:      r.cfg.Logger,
	}, channels...)
	c.session = session
	r.active[session.BuyerKey] = c

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, err := c.Confirm(r.ctx, session)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Str("reference", session.Reference).Msg("confirmation failed")
		}

		r.mu.Lock()
		if r.active[session.BuyerKey] == c {
			delete(r.active, session.BuyerKey)
		}
		r.mu.Unlock()
	}()
	return c
}

// Redirect handles the buyer returning from the gateway. The redirect joins
// the running confirmation, or resumes the stored session with it.
func (r *Registry) Redirect(ctx context.Context, buyerKey string, query url.Values) (*Coordinator, error) {
	redirect := channel.NewRedirectChannel(query, r.cfg.Logger)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.active[buyerKey]; c != nil {
		if err := c.Attach(redirect); err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) {
			return nil, err
		}
		return c, nil
	}

	session, err := r.cfg.Store.Load(ctx, buyerKey)
	if err != nil {
		return nil, fmt.Errorf("load pending session: %w", err)
	}
	if session == nil || !session.Pending() {
		return nil, noPending(buyerKey)
	}
	r.logger.Info().Str("buyer", buyerKey).Str("reference", session.Reference).Msg("resuming session on redirect")
	return r.start(*session, redirect), nil
}

// Resume re-attaches all channels to the stored session of buyerKey.
func (r *Registry) Resume(ctx context.Context, buyerKey string) (*domain.PaymentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.active[buyerKey]; c != nil {
		s := c.Session()
		return &s, nil
	}

	session, err := r.cfg.Store.Load(ctx, buyerKey)
	if err != nil {
		return nil, fmt.Errorf("load pending session: %w", err)
	}
	if session == nil {
		return nil, noPending(buyerKey)
	}
	if !session.Pending() {
		return session, nil
	}
	r.start(*session)
	return session, nil
}

// ResumeAll resumes every stored session. It returns how many confirmations
// were started.
func (r *Registry) ResumeAll(ctx context.Context) (int, error) {
	keys, err := r.cfg.Store.ListKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending sessions: %w", err)
	}

	resumed := 0
	for _, key := range keys {
		s, err := r.Resume(ctx, key)
		switch {
		case errors.Is(err, domain.ErrNoPendingSession):
			continue
		case err != nil:
			r.logger.Error().Err(err).Str("buyer", key).Msg("resume failed")
			continue
		}
		if s.Pending() {
			resumed++
		}
	}
	r.logger.Info().Int("resumed", resumed).Int("stored", len(keys)).Msg("pending sessions resumed")
	return resumed, nil
}

// Cancel ends the buyer's pending payment as cancelled.
func (r *Registry) Cancel(ctx context.Context, buyerKey string) (Outcome, error) {
	r.mu.Lock()
	c := r.active[buyerKey]
	r.mu.Unlock()

	if c != nil {
		c.Cancel("cancelled by buyer")
		return c.Wait(ctx)
	}

	stored, err := r.cfg.Store.Load(ctx, buyerKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("load pending session: %w", err)
	}
	if stored == nil || !stored.Pending() {
		return Outcome{}, noPending(buyerKey)
	}
	return r.closeOrphan(ctx, stored, "cancelled by buyer"), nil
}

// closeOrphan cancels a stored session that has no coordinator.
func (r *Registry) closeOrphan(ctx context.Context, s *domain.PaymentSession, reason string) Outcome {
	if err := s.Transition(domain.StatusCancelled, domain.SourceBuyer, reason, time.Now().UTC()); err != nil {
		r.logger.Warn().Err(err).Str("reference", s.Reference).Msg("cannot cancel stored session")
	}
	if r.cfg.Ledger != nil {
		if _, err := r.cfg.Ledger.UpdateTerminal(ctx, s); err != nil {
			r.logger.Error().Err(err).Str("reference", s.Reference).Msg("failed to record cancellation")
		}
	}
	if err := r.cfg.Store.Clear(ctx, s.BuyerKey); err != nil {
		r.logger.Error().Err(err).Str("buyer", s.BuyerKey).Msg("failed to clear pending session")
	}
	out := Outcome{Session: *s, Status: s.Status, NextURL: r.cfg.Pages.NextURL(*s)}
	if r.cfg.Handler != nil {
		r.cfg.Handler.HandleOutcome(ctx, out)
	}
	return out
}

// Status returns the buyer's current session: the one being confirmed, the
// stored one, or the last one recorded.
func (r *Registry) Status(ctx context.Context, buyerKey string) (*domain.PaymentSession, error) {
	r.mu.Lock()
	c := r.active[buyerKey]
	r.mu.Unlock()
	if c != nil {
		s := c.Session()
		return &s, nil
	}

	stored, err := r.cfg.Store.Load(ctx, buyerKey)
	if err != nil {
		return nil, fmt.Errorf("load pending session: %w", err)
	}
	if stored != nil {
		return stored, nil
	}
	if r.cfg.Ledger == nil {
		return nil, noPending(buyerKey)
	}
	return r.cfg.Ledger.LatestForBuyer(ctx, buyerKey)
}

// StatusCheck is the gateway's answer for a reference, asked once on demand.
type StatusCheck struct {
	Reference     string        `json:"reference"`
	GatewayStatus string        `json:"gateway_status"`
	Status        domain.Status `json:"status,omitempty"`
	Terminal      bool          `json:"terminal"`
	Message       string        `json:"message,omitempty"`
	// Recorded is the outcome this service recorded for the reference.
	Recorded domain.Status `json:"recorded,omitempty"`
}

// CheckStatus verifies reference with the gateway once. It backs the
// "check status" action offered after a session expired; it does not change
// the recorded outcome.
func (r *Registry) CheckStatus(ctx context.Context, reference string) (*StatusCheck, error) {
	res, err := r.cfg.Verifier.Verify(ctx, reference)
	if err != nil {
		return nil, err
	}
	check := &StatusCheck{Reference: reference, GatewayStatus: res.Status, Message: res.Message}
	check.Status, check.Terminal = domain.NormalizeStatus(res.Status)

	if r.cfg.Ledger != nil {
		if s, err := r.cfg.Ledger.GetByReference(ctx, reference); err == nil {
			check.Recorded = s.Status
		}
	}
	return check, nil
}

// Wait blocks until the buyer's running confirmation resolves.
func (r *Registry) Wait(ctx context.Context, buyerKey string) (Outcome, error) {
	r.mu.Lock()
	c := r.active[buyerKey]
	r.mu.Unlock()
	if c == nil {
		return Outcome{}, noPending(buyerKey)
	}
	return c.Wait(ctx)
}

// Deliver injects an event into the buyer's running confirmation.
func (r *Registry) Deliver(buyerKey string, evt domain.ConfirmationEvent) error {
	r.mu.Lock()
	c := r.active[buyerKey]
	r.mu.Unlock()
	if c == nil || !c.Deliver(evt) {
		return noPending(buyerKey)
	}
	return nil
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown stops every confirmation and waits for them. Sessions stay stored
// and are resumed by the next ResumeAll.
func (r *Registry) Shutdown() {
	r.stop()
	r.wg.Wait()
}

func noPending(buyerKey string) error {
	return fmt.Errorf("buyer %s: %w", buyerKey, domain.ErrNoPendingSession)
}
