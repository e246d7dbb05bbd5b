package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wakala/checkoutd/internal/domain"
	"github.com/wakala/checkoutd/internal/repository"
)

// --- ListSessions ---

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.SessionFilter{
		BuyerKey:        q.Get("buyer"),
		Status:          q.Get("status"),
		Currency:        q.Get("currency"),
		LastConfirmedBy: q.Get("confirmed_by"),
		From:            parseTime(q.Get("from")),
		To:              parseTime(q.Get("to")),
		Page:            parseIntDefault(q.Get("page"), 1),
		Limit:           parseIntDefault(q.Get("limit"), 50),
	}

	sessions, total, err := h.sessions.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []domain.PaymentSession{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
		"page":     filter.Page,
		"limit":    filter.Limit,
	})
}

// --- GetSession ---

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.GetByReference(r.Context(), chi.URLParam(r, "reference"))
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- ListSessionEvents ---

func (h *Handlers) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if _, err := h.sessions.GetByReference(r.Context(), reference); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events, err := h.events.ListByReference(r.Context(), reference)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []domain.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reference": reference,
		"events":    events,
	})
}

// --- GetStats ---

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dispositions, err := h.events.CountByDisposition(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":             stats,
		"events":               dispositions,
		"active_confirmations": h.registry.Active(),
	})
}
