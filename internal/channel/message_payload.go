package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type messageKind int

const (
	kindStatus messageKind = iota + 1
	kindCancel
)

type checkoutMessage struct {
	kind      messageKind
	reference string
	rawStatus string
	reason    string
}

// checkoutPayload covers the shapes embedded checkouts post:
//
//	{"type": "payment_success", "reference": "..."}
//	{"status": "success", "reference": "..."}
//	{"type": "checkout_closed", "reference": "..."}
//
// Some send the object JSON-encoded as a string.
type checkoutPayload struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Ref       string `json:"ref"`
	Message   string `json:"message"`
}

var errUnrecognized = errors.New("unrecognized checkout message")

func decodeCheckoutMessage(data json.RawMessage) (*checkoutMessage, error) {
	raw := []byte(data)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = []byte(s)
	}

	var p checkoutPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	ref := strings.TrimSpace(p.Reference)
	if ref == "" {
		ref = strings.TrimSpace(p.Ref)
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: no reference", errUnrecognized)
	}

	typ := strings.ToLower(strings.TrimSpace(p.Type))
	if typ == "" {
		typ = strings.ToLower(strings.TrimSpace(p.Event))
	}

	switch typ {
	case "payment_success", "payment_complete":
		return &checkoutMessage{kind: kindStatus, reference: ref, rawStatus: typ, reason: p.Message}, nil
	case "payment_cancelled", "checkout_closed":
		return &checkoutMessage{kind: kindCancel, reference: ref, rawStatus: typ, reason: p.Message}, nil
	}

	if status := strings.TrimSpace(p.Status); status != "" {
		return &checkoutMessage{kind: kindStatus, reference: ref, rawStatus: status, reason: p.Message}, nil
	}
	return nil, fmt.Errorf("%w: type %q", errUnrecognized, p.Type)
}
