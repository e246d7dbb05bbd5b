package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wakala/checkoutd/internal/channel"
	"github.com/wakala/checkoutd/internal/checkout"
	"github.com/wakala/checkoutd/internal/currency"
	"github.com/wakala/checkoutd/internal/domain"
)

type startCheckoutRequest struct {
	BuyerKey string `json:"buyer_key"`
	checkout.PurchaseDetails
}

// --- StartCheckout ---

func (h *Handlers) StartCheckout(w http.ResponseWriter, r *http.Request) {
	var req startCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusUnprocessableEntity, "email is required")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusUnprocessableEntity, "amount must be positive")
		return
	}
	if _, err := currency.Normalize(req.Currency); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.BuyerKey == "" {
		req.BuyerKey = uuid.NewString()
	}

	session, err := h.registry.Begin(r.Context(), req.BuyerKey, req.PurchaseDetails)
	if err != nil {
		var initErr *domain.InitiationError
		if errors.As(err, &initErr) {
			writeError(w, http.StatusBadGateway, initErr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"buyer_key":    session.BuyerKey,
		"reference":    session.Reference,
		"checkout_url": session.CheckoutURL,
		"status":       session.Status,
		"expires_at":   session.ExpiresAt,
	})
}

// --- Callback ---

// Callback is where the gateway sends the buyer back. It waits briefly for
// the confirmation to resolve and redirects to the page for the result.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reference := q.Get("reference")
	if reference == "" {
		reference = q.Get("ref")
	}
	buyer := q.Get("buyer")
	if buyer == "" && reference != "" {
		if s, err := h.sessions.GetByReference(r.Context(), reference); err == nil {
			buyer = s.BuyerKey
		}
	}
	if buyer == "" {
		writeError(w, http.StatusBadRequest, "buyer or a known reference is required")
		return
	}

	c, err := h.registry.Redirect(r.Context(), buyer, q)
	if errors.Is(err, domain.ErrNoPendingSession) {
		h.redirectRecorded(w, r, reference)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.callbackWait)
	defer cancel()
	out, err := c.Wait(ctx)
	if err != nil {
		http.Redirect(w, r, h.pages.NextURL(c.Session()), http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, out.NextURL, http.StatusSeeOther)
}

// redirectRecorded answers a callback for a session that is no longer
// pending, using what the ledger recorded for it.
func (h *Handlers) redirectRecorded(w http.ResponseWriter, r *http.Request, reference string) {
	if reference == "" {
		writeError(w, http.StatusNotFound, "no pending payment")
		return
	}
	s, err := h.sessions.GetByReference(r.Context(), reference)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "unknown reference")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, h.pages.NextURL(*s), http.StatusSeeOther)
}

// --- Socket ---

// Socket upgrades the checkout page's connection. Frames it sends are relayed
// to the buyer's confirmation; outcomes are pushed back on it.
func (h *Handlers) Socket(w http.ResponseWriter, r *http.Request) {
	buyer := r.URL.Query().Get("buyer")
	if buyer == "" {
		writeError(w, http.StatusBadRequest, "buyer is required")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("buyer", buyer).Msg("websocket upgrade failed")
		return
	}
	h.hub.Serve(conn, buyer)
}

type relayRequest struct {
	BuyerKey string `json:"buyer_key"`
	channel.Envelope
}

// --- RelayMessage ---

func (h *Handlers) RelayMessage(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.BuyerKey == "" || len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "buyer_key and data are required")
		return
	}

	n := h.bus.Publish(req.BuyerKey, req.Envelope)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

// --- CancelCheckout ---

func (h *Handlers) CancelCheckout(w http.ResponseWriter, r *http.Request) {
	out, err := h.registry.Cancel(r.Context(), chi.URLParam(r, "buyer"))
	if errors.Is(err, domain.ErrNoPendingSession) {
		writeError(w, http.StatusNotFound, "no pending payment")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- ResumeCheckout ---

func (h *Handlers) ResumeCheckout(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Resume(r.Context(), chi.URLParam(r, "buyer"))
	if errors.Is(err, domain.ErrNoPendingSession) {
		writeError(w, http.StatusNotFound, "no pending payment")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- CheckoutStatus ---

func (h *Handlers) CheckoutStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Status(r.Context(), chi.URLParam(r, "buyer"))
	if errors.Is(err, domain.ErrNoPendingSession) || errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "no payment for buyer")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  s,
		"next_url": h.pages.NextURL(*s),
	})
}

// --- VerifyReference ---

func (h *Handlers) VerifyReference(w http.ResponseWriter, r *http.Request) {
	check, err := h.registry.CheckStatus(r.Context(), chi.URLParam(r, "reference"))
	if errors.Is(err, domain.ErrTransport) {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, check)
}
