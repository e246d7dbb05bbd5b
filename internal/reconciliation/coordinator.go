package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wakala/checkoutd/internal/channel"
	"github.com/wakala/checkoutd/internal/domain"
	"github.com/wakala/checkoutd/internal/metrics"
)

type PendingStore interface {
	Save(ctx context.Context, s *domain.PaymentSession) error
	Load(ctx context.Context, buyerKey string) (*domain.PaymentSession, error)
	Clear(ctx context.Context, buyerKey string) error
	ListKeys(ctx context.Context) ([]string, error)
}

type SessionLedger interface {
	UpdateTerminal(ctx context.Context, s *domain.PaymentSession) (bool, error)
}

type EventLog interface {
	Insert(ctx context.Context, e *domain.EventRecord) error
}

// Deps are the collaborators a Coordinator persists through. Ledger, Events
// and Handler may be nil.
type Deps struct {
	Store       PendingStore
	Ledger      SessionLedger
	Events      EventLog
	Handler     OutcomeHandler
	Pages       Pages
	EventBuffer int
	Logger      zerolog.Logger
}

type cancelRequest struct {
	source domain.Source
	reason string
}

// Coordinator is the single writer of one payment session. Every channel
// reports into one queue, drained by Confirm; the first terminal event for
// the session's reference wins and everything after it is discarded.
type Coordinator struct {
	deps    Deps
	events  chan domain.ConfirmationEvent
	cancels chan cancelRequest
	done    chan struct{}

	mu       sync.Mutex
	session  domain.PaymentSession
	channels []channel.Channel
	runCtx   context.Context
	stop     context.CancelFunc
	started  bool
	resolved bool
	outcome  Outcome
	err      error

	now func() time.Time
}

func NewCoordinator(deps Deps, channels ...channel.Channel) *Coordinator {
	buffer := deps.EventBuffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Coordinator{
		deps:     deps,
		events:   make(chan domain.ConfirmationEvent, buffer),
		cancels:  make(chan cancelRequest, 1),
		done:     make(chan struct{}),
		channels: channels,
		now:      time.Now,
	}
}

// Confirm starts every channel against session and blocks until the session
// is terminal or ctx ends. On ctx end the channels are stopped, the session
// stays persisted and ctx.Err() is returned.
func (c *Coordinator) Confirm(ctx context.Context, session domain.PaymentSession) (Outcome, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return Outcome{}, errors.New("coordinator already confirming")
	}
	c.started = true
	if session.Status != domain.StatusAwaitingConfirmation {
		c.err = fmt.Errorf("%w: cannot confirm a session in %s", domain.ErrInvalidTransition, session.Status)
		c.mu.Unlock()
		close(c.done)
		return Outcome{}, c.err
	}
	c.session = session
	c.runCtx, c.stop = context.WithCancel(ctx)
	logger := c.logger()
	for _, ch := range c.channels {
		c.startChannel(ch)
	}
	c.mu.Unlock()

	defer close(c.done)
	logger.Info().Int("channels", len(c.channels)).Msg("awaiting confirmation")

	for {
		select {
		case <-ctx.Done():
			c.stopChannels()
			c.mu.Lock()
			c.err = ctx.Err()
			c.mu.Unlock()
			logger.Info().Msg("confirmation interrupted, session left pending")
			return Outcome{}, ctx.Err()

		case req := <-c.cancels:
			evt := domain.ConfirmationEvent{
				ID:         uuid.NewString(),
				Source:     req.source,
				Reference:  session.Reference,
				RawStatus:  string(domain.StatusCancelled),
				Reason:     req.reason,
				ReceivedAt: c.now().UTC(),
			}
			if out, ok := c.handle(ctx, evt); ok {
				return out, nil
			}

		case evt := <-c.events:
			if out, ok := c.handle(ctx, evt); ok {
				return out, nil
			}
		}
	}
}

// startChannel must be called with c.mu held.
func (c *Coordinator) startChannel(ch channel.Channel) {
	snapshot := c.session
	sink := channel.Sink{
		OnEvent: func(e domain.ConfirmationEvent) { c.Deliver(e) },
		OnCancel: func(src domain.Source) {
			c.requestCancel(cancelRequest{source: src, reason: "checkout closed by buyer"})
		},
	}
	go ch.Start(c.runCtx, snapshot, sink)
}

// Attach adds a channel to a running confirmation, or queues it for Confirm
// to start. It fails once the session is resolved.
func (c *Coordinator) Attach(ch channel.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved || c.err != nil {
		return domain.ErrAlreadyTerminal
	}
	c.channels = append(c.channels, ch)
	if c.started {
		c.startChannel(ch)
	}
	return nil
}

// Deliver queues an event for the coordinator. It reports false when the
// coordinator has already finished.
func (c *Coordinator) Deliver(evt domain.ConfirmationEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- evt:
		return true
	case <-c.done:
		return false
	}
}

// Cancel asks for the session to end as cancelled by the buyer. Repeated
// calls, and calls after resolution, have no further effect.
func (c *Coordinator) Cancel(reason string) {
	if reason == "" {
		reason = "cancelled by buyer"
	}
	c.requestCancel(cancelRequest{source: domain.SourceBuyer, reason: reason})
}

func (c *Coordinator) requestCancel(req cancelRequest) {
	select {
	case c.cancels <- req:
	default:
	}
}

// Session returns a snapshot of the session as the coordinator sees it.
func (c *Coordinator) Session() domain.PaymentSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until Confirm returns or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.outcome, c.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// handle applies one event. It reports true when the event resolved the
// session.
func (c *Coordinator) handle(ctx context.Context, evt domain.ConfirmationEvent) (Outcome, bool) {
	persistCtx := context.WithoutCancel(ctx)
	rec := domain.EventRecord{ConfirmationEvent: evt}
	logger := c.logger().With().Str("source", string(evt.Source)).Str("event_reference", evt.Reference).Logger()

	c.mu.Lock()
	current := c.session
	if evt.Reference != current.Reference {
		c.mu.Unlock()
		rec.Disposition = domain.DispositionMismatch
		c.discard(persistCtx, &rec, logger, fmt.Errorf("%w: got %s", domain.ErrConfirmationMismatch, evt.Reference))
		return Outcome{}, false
	}

	status, terminal := domain.NormalizeStatus(evt.RawStatus)
	rec.Normalized = status
	if !terminal {
		c.mu.Unlock()
		rec.Disposition = domain.DispositionNonTerminal
		c.discard(persistCtx, &rec, logger, fmt.Errorf("status %q is not terminal", evt.RawStatus))
		return Outcome{}, false
	}

	updated := current
	if err := updated.Transition(status, evt.Source, evt.Reason, c.now().UTC()); err != nil {
		c.mu.Unlock()
		rec.Disposition = domain.DispositionAlreadyTerminal
		c.discard(persistCtx, &rec, logger, err)
		return Outcome{}, false
	}
	c.session = updated
	c.resolved = true
	c.mu.Unlock()

	c.stopChannels()

	rec.Disposition = domain.DispositionApplied
	c.audit(persistCtx, &rec, logger)
	c.persist(persistCtx, &updated, logger)

	out := Outcome{Session: updated, Status: updated.Status, NextURL: c.deps.Pages.NextURL(updated)}
	metrics.IncConfirmation(string(evt.Source), string(updated.Status))
	metrics.ObserveConfirmation(string(updated.Status), c.now().Sub(updated.CreatedAt).Seconds())
	logger.Info().
		Str("status", string(updated.Status)).
		Str("reason", updated.Reason).
		Msg("payment session resolved")

	c.mu.Lock()
	c.outcome = out
	c.mu.Unlock()

	if c.deps.Handler != nil {
		c.deps.Handler.HandleOutcome(persistCtx, out)
	}
	c.drain(persistCtx, logger)
	return out, true
}

func (c *Coordinator) persist(ctx context.Context, s *domain.PaymentSession, logger zerolog.Logger) {
	if c.deps.Ledger != nil {
		if applied, err := c.deps.Ledger.UpdateTerminal(ctx, s); err != nil {
			logger.Error().Err(err).Msg("failed to record outcome in ledger")
		} else if !applied {
			logger.Warn().Msg("ledger already held a terminal status")
		}
	}

	if c.deps.Store == nil {
		return
	}
	// Another session may have replaced this one in the store.
	stored, err := c.deps.Store.Load(ctx, s.BuyerKey)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load pending session")
		return
	}
	if stored == nil || stored.Reference != s.Reference {
		return
	}

	if s.Status == domain.StatusExpired {
		// Kept so the buyer can still check the status; Load drops it once past ExpiresAt.
		err = c.deps.Store.Save(ctx, s)
	} else {
		err = c.deps.Store.Clear(ctx, s.BuyerKey)
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to update pending session")
	}
}

// drain discards events still queued when the session resolved.
func (c *Coordinator) drain(ctx context.Context, logger zerolog.Logger) {
	for {
		select {
		case evt := <-c.events:
			rec := domain.EventRecord{ConfirmationEvent: evt, Disposition: domain.DispositionAlreadyTerminal}
			rec.Normalized, _ = domain.NormalizeStatus(evt.RawStatus)
			c.discard(ctx, &rec, logger.With().Str("source", string(evt.Source)).Logger(), domain.ErrAlreadyTerminal)
		default:
			return
		}
	}
}

func (c *Coordinator) discard(ctx context.Context, rec *domain.EventRecord, logger zerolog.Logger, reason error) {
	metrics.IncDiscarded(string(rec.Disposition))
	if rec.Disposition == domain.DispositionMismatch {
		logger.Warn().Err(reason).Str("disposition", string(rec.Disposition)).Msg("confirmation event discarded")
	} else {
		logger.Debug().Err(reason).Str("disposition", string(rec.Disposition)).Msg("confirmation event discarded")
	}
	c.audit(ctx, rec, logger)
}

func (c *Coordinator) audit(ctx context.Context, rec *domain.EventRecord, logger zerolog.Logger) {
	if c.deps.Events == nil {
		return
	}
	if err := c.deps.Events.Insert(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("failed to audit confirmation event")
	}
}

func (c *Coordinator) stopChannels() {
	c.mu.Lock()
	channels := append([]channel.Channel(nil), c.channels...)
	stop := c.stop
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Cancel()
	}
	if stop != nil {
		stop()
	}
}

func (c *Coordinator) logger() zerolog.Logger {
	return c.deps.Logger.With().
		Str("component", "coordinator").
		Str("reference", c.session.Reference).
		Str("buyer", c.session.BuyerKey).
		Logger()
}
