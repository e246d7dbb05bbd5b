package domain

import (
	"strings"
	"time"
)

type Source string

const (
	SourceRedirect Source = "redirect"
	SourceMessage  Source = "message"
	SourcePoll     Source = "poll"
	// SourceBuyer marks transitions the buyer asked for (closing checkout, starting over).
	SourceBuyer Source = "buyer"
)

type ConfirmationEvent struct {
	ID         string    `json:"id"`
	Source     Source    `json:"source"`
	Reference  string    `json:"reference"`
	RawStatus  string    `json:"raw_status"`
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Disposition records what the coordinator did with an event.
type Disposition string

const (
	DispositionApplied         Disposition = "applied"
	DispositionMismatch        Disposition = "mismatch"
	DispositionNonTerminal     Disposition = "non_terminal"
	DispositionAlreadyTerminal Disposition = "already_terminal"
)

type EventRecord struct {
	ConfirmationEvent
	Disposition Disposition `json:"disposition"`
	Normalized  Status      `json:"normalized,omitempty"`
}

// NormalizeStatus maps a gateway-reported status onto the session status enum.
// ok is false for statuses that do not end the session.
func NormalizeStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "succeeded", "completed", "paid", "payment_success", "payment_complete":
		return StatusSucceeded, true
	case "failed", "failure", "declined", "abandoned", "reversed", "payment_failed":
		return StatusDeclined, true
	case "cancelled", "canceled", "payment_cancelled", "checkout_closed":
		return StatusCancelled, true
	case "expired", "timeout":
		return StatusExpired, true
	}
	return "", false
}
