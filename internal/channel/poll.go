package channel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wakala/checkoutd/internal/domain"
	"github.com/wakala/checkoutd/internal/gateway"
	"github.com/wakala/checkoutd/internal/metrics"
)

type Verifier interface {
	Verify(ctx context.Context, reference string) (*gateway.VerifyResult, error)
}

type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// PollChannel asks the gateway for the payment status every Interval. After
// the attempt cap it reports the session expired.
type PollChannel struct {
	verifier Verifier
	cfg      PollConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func NewPollChannel(v Verifier, cfg PollConfig, logger zerolog.Logger) *PollChannel {
	return &PollChannel{
		verifier: v,
		cfg:      cfg,
		logger:   logger.With().Str("channel", string(domain.SourcePoll)).Logger(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

func (c *PollChannel) Source() domain.Source { return domain.SourcePoll }

// AttemptsWithin is how many polls fit in remaining, capped at limit and never
// below one.
func AttemptsWithin(remaining, interval time.Duration, limit int) int {
	if interval <= 0 || limit <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(remaining) / float64(interval)))
	if n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (c *PollChannel) Start(ctx context.Context, session domain.PaymentSession, sink Sink) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		close(c.done)
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	attempts := c.cfg.MaxAttempts
	if !session.ExpiresAt.IsZero() {
		attempts = AttemptsWithin(session.ExpiresAt.Sub(c.now()), c.cfg.Interval, c.cfg.MaxAttempts)
	}

	go func() {
		defer close(c.done)
		defer cancel()
		c.run(pctx, session.Reference, attempts, sink)
	}()
}

func (c *PollChannel) run(ctx context.Context, reference string, attempts int, sink Sink) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := c.verifier.Verify(ctx, reference)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.IncPoll("error")
			if errors.Is(err, domain.ErrTransport) {
				c.logger.Debug().Err(err).Int("attempt", attempt).Str("reference", reference).Msg("verify failed, will retry")
			} else {
				c.logger.Warn().Err(err).Int("attempt", attempt).Str("reference", reference).Msg("verify failed, will retry")
			}
			continue
		}
		if res.Reference != "" && res.Reference != reference {
			metrics.IncPoll("mismatch")
			c.logger.Warn().Str("reference", reference).Str("got", res.Reference).Msg("verify answered for another reference")
			continue
		}
		if _, terminal := domain.NormalizeStatus(res.Status); !terminal {
			metrics.IncPoll("pending")
			continue
		}

		metrics.IncPoll("terminal")
		sink.event(newEvent(domain.SourcePoll, reference, res.Status, res.Message))
		return
	}

	metrics.IncPoll("exhausted")
	c.logger.Info().Str("reference", reference).Int("attempts", attempts).Msg("no terminal status, session expired")
	sink.event(newEvent(domain.SourcePoll, reference, string(domain.StatusExpired),
		fmt.Sprintf("%s after %d attempts", domain.ErrExpired, attempts)))
}

func (c *PollChannel) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	if c.cancel != nil {
		c.cancel()
	}
}

// Done is closed once polling has stopped.
func (c *PollChannel) Done() <-chan struct{} {
	return c.done
}
