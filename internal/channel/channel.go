// Package channel holds the independent sources that report a payment's
// outcome: the redirect back from the gateway, messages relayed from the
// embedded checkout, and polling the gateway's verify endpoint.
package channel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/checkoutd/internal/domain"
)

// Sink receives what a channel observes. Channels never change a session
// themselves.
type Sink struct {
	OnEvent  func(domain.ConfirmationEvent)
	OnCancel func(domain.Source)
}

func (s Sink) event(e domain.ConfirmationEvent) {
	if s.OnEvent != nil {
		s.OnEvent(e)
	}
}

func (s Sink) cancel(src domain.Source) {
	if s.OnCancel != nil {
		s.OnCancel(src)
	}
}

// Channel is one source of confirmation. Start is called once. Cancel may be
// called any number of times, from any goroutine.
type Channel interface {
	Source() domain.Source
	Start(ctx context.Context, session domain.PaymentSession, sink Sink)
	Cancel()
}

func newEvent(src domain.Source, reference, rawStatus, reason string) domain.ConfirmationEvent {
	return domain.ConfirmationEvent{
		ID:         uuid.NewString(),
		Source:     src,
		Reference:  reference,
		RawStatus:  rawStatus,
		Reason:     reason,
		ReceivedAt: time.Now().UTC(),
	}
}
