package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wakala/checkoutd/internal/channel"
	"github.com/wakala/checkoutd/internal/notify"
	"github.com/wakala/checkoutd/internal/reconciliation"
	"github.com/wakala/checkoutd/internal/repository"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	registry     *reconciliation.Registry
	sessions     *repository.SessionRepo
	events       *repository.EventRepo
	bus          *channel.Bus
	hub          *notify.Hub
	pages        reconciliation.Pages
	db           *sql.DB
	upgrader     websocket.Upgrader
	callbackWait time.Duration
	logger       zerolog.Logger
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"confirmations": h.registry.Active(),
	})
}
