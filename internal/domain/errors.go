package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyTerminal      = errors.New("session already terminal")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrConfirmationMismatch = errors.New("confirmation for unknown or superseded reference")
	ErrTransport            = errors.New("gateway transport error")
	ErrExpired              = errors.New("no terminal confirmation within the wait window")
	ErrNoPendingSession     = errors.New("no pending payment session")
	ErrReferenceReused      = errors.New("reference already assigned")
	ErrSessionNotFound      = errors.New("session not found")
)

// InitiationError is returned when the gateway could not start a payment.
// No session exists when it is returned.
type InitiationError struct {
	Message string
	Err     error
}

func (e *InitiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment initiation failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("payment initiation failed: %s", e.Message)
}

func (e *InitiationError) Unwrap() error {
	return e.Err
}
