package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusInitiating           Status = "initiating"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusSucceeded            Status = "succeeded"
	StatusDeclined             Status = "declined"
	StatusExpired              Status = "expired"
	StatusCancelled            Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusInitiating || s == StatusAwaitingConfirmation || s.Terminal()
}

// TerminalStatuses lists the statuses a session can end in.
var TerminalStatuses = []Status{StatusSucceeded, StatusDeclined, StatusExpired, StatusCancelled}

type PaymentSession struct {
	Reference       string          `json:"reference"`
	BuyerKey        string          `json:"buyer_key"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	OfferID         string          `json:"offer_id"`
	OfferType       string          `json:"offer_type"`
	OfferName       string          `json:"offer_name,omitempty"`
	CustomerEmail   string          `json:"customer_email"`
	CheckoutURL     string          `json:"checkout_url,omitempty"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	LastConfirmedBy Source          `json:"last_confirmed_by,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Transition moves the session forward. It is the only place status changes.
func (p *PaymentSession) Transition(to Status, by Source, reason string, at time.Time) error {
	if p.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, p.Reference, p.Status)
	}
	switch {
	case p.Status == StatusInitiating && to == StatusAwaitingConfirmation:
	case p.Status == StatusInitiating && to == StatusCancelled:
	case p.Status == StatusAwaitingConfirmation && to.Terminal():
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}

	p.Status = to
	if to.Terminal() {
		p.LastConfirmedBy = by
		p.Reason = reason
		resolved := at
		p.ResolvedAt = &resolved
	}
	return nil
}

// Expired reports whether the confirmation window has passed at now.
func (p *PaymentSession) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Pending reports whether the session still awaits a terminal outcome.
func (p *PaymentSession) Pending() bool {
	return p.Status == StatusInitiating || p.Status == StatusAwaitingConfirmation
}
