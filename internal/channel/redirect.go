package channel

import (
	"context"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wakala/checkoutd/internal/domain"
)

// RedirectChannel reads the query string the gateway sends the buyer back
// with. It reports at most once, during Start.
type RedirectChannel struct {
	query  url.Values
	logger zerolog.Logger
}

func NewRedirectChannel(query url.Values, logger zerolog.Logger) *RedirectChannel {
	return &RedirectChannel{
		query:  query,
		logger: logger.With().Str("channel", string(domain.SourceRedirect)).Logger(),
	}
}

func (c *RedirectChannel) Source() domain.Source { return domain.SourceRedirect }

// Reference returns the reference carried by the query, accepting the legacy
// "ref" alias.
func (c *RedirectChannel) Reference() string {
	if ref := strings.TrimSpace(c.query.Get("reference")); ref != "" {
		return ref
	}
	return strings.TrimSpace(c.query.Get("ref"))
}

func (c *RedirectChannel) Start(_ context.Context, session domain.PaymentSession, sink Sink) {
	ref := c.Reference()
	if ref == "" {
		c.logger.Debug().Str("session", session.Reference).Msg("redirect without reference")
		return
	}

	raw := strings.TrimSpace(c.query.Get("status"))
	if raw == "" {
		// Gateways only send the buyer back to the callback once checkout completed.
		raw = "success"
	}

	// A foreign reference is still reported; the coordinator records and drops it.
	sink.event(newEvent(domain.SourceRedirect, ref, raw, c.query.Get("message")))
}

func (c *RedirectChannel) Cancel() {}
