package channel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wakala/checkoutd/internal/domain"
	"github.com/wakala/checkoutd/internal/metrics"
)

// MessageChannel listens for messages the embedded checkout posts to the
// landing page, relayed through the Bus.
type MessageChannel struct {
	bus     *Bus
	topic   string
	allowed *OriginAllowList
	logger  zerolog.Logger

	mu          sync.Mutex
	unsubscribe func()
	cancelled   bool
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewMessageChannel(bus *Bus, buyerKey string, allowed *OriginAllowList, logger zerolog.Logger) *MessageChannel {
	return &MessageChannel{
		bus:     bus,
		topic:   buyerKey,
		allowed: allowed,
		logger:  logger.With().Str("channel", string(domain.SourceMessage)).Str("buyer", buyerKey).Logger(),
		stop:    make(chan struct{}),
	}
}

func (c *MessageChannel) Source() domain.Source { return domain.SourceMessage }

func (c *MessageChannel) Start(ctx context.Context, session domain.PaymentSession, sink Sink) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	msgs, unsubscribe := c.bus.Subscribe(c.topic, 8)
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case env, ok := <-msgs:
				if !ok {
					return
				}
				c.handle(session, env, sink)
			}
		}
	}()
}

func (c *MessageChannel) handle(session domain.PaymentSession, env Envelope, sink Sink) {
	if !c.allowed.Allowed(env.Origin) {
		metrics.IncDiscarded("origin")
		c.logger.Warn().Str("origin", env.Origin).Msg("message from untrusted origin dropped")
		return
	}

	msg, err := decodeCheckoutMessage(env.Data)
	if err != nil {
		metrics.IncDiscarded("malformed")
		c.logger.Debug().Err(err).Msg("malformed checkout message dropped")
		return
	}

	switch msg.kind {
	case kindCancel:
		if msg.reference != session.Reference {
			metrics.IncDiscarded("mismatch")
			c.logger.Warn().Str("reference", msg.reference).Str("session", session.Reference).Msg("close for another session ignored")
			return
		}
		sink.cancel(domain.SourceMessage)
	case kindStatus:
		sink.event(newEvent(domain.SourceMessage, msg.reference, msg.rawStatus, msg.reason))
	}
}

func (c *MessageChannel) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if unsubscribe != nil {
		unsubscribe()
	}
}
