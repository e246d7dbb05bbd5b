package notify

import (
	"context"

	"github.com/wakala/checkoutd/internal/reconciliation"
)

// Multi hands each outcome to every handler in order. Nil entries are skipped.
type Multi []reconciliation.OutcomeHandler

func (m Multi) HandleOutcome(ctx context.Context, o reconciliation.Outcome) {
	for _, h := range m {
		if h != nil {
			h.HandleOutcome(ctx, o)
		}
	}
}
