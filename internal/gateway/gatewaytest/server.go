// Package gatewaytest is an in-memory payment gateway speaking the
// initialize/verify protocol, for tests and local development.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Config struct {
	// PendingPolls is how many verify calls answer "pending" before the
	// reference reports FinalStatus.
	PendingPolls int
	// FinalStatus defaults to "success".
	FinalStatus string
	// CheckoutBaseURL prefixes the authorization URLs handed out.
	CheckoutBaseURL string
	// APIKey, when set, is required as a bearer token.
	APIKey string
}

type payment struct {
	Reference string          `json:"reference"`
	Email     string          `json:"email"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status,omitempty"`
	polls     int
}

// Server keeps every initialized payment in memory.
type Server struct {
	cfg Config

	mu       sync.Mutex
	payments map[string]*payment
}

func NewServer(cfg Config) *Server {
	if cfg.FinalStatus == "" {
		cfg.FinalStatus = "success"
	}
	if cfg.CheckoutBaseURL == "" {
		cfg.CheckoutBaseURL = "http://localhost:8090/checkout"
	}
	return &Server{cfg: cfg, payments: make(map[string]*payment)}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))
	r.Use(s.auth)

	r.Post("/initialize", s.initialize)
	r.Get("/verify", s.verify)
	r.Post("/payments/{reference}/status", s.setStatus)
	return r
}

// Resolve fixes the status verify reports for reference from now on.
func (s *Server) Resolve(reference, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[reference]
	if ok {
		p.Status = status
	}
	return ok
}

// Polls returns how many verify calls reference received.
func (s *Server) Polls(reference string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[reference]; ok {
		return p.polls
	}
	return 0
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string          `json:"email"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}
	if req.Email == "" || !req.Amount.IsPositive() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"success": false, "error": "email and a positive amount are required"})
		return
	}

	ref := "T" + strings.ReplaceAll(uuid.NewString(), "-", "")[:15]
	s.mu.Lock()
	s.payments[ref] = &payment{Reference: ref, Email: req.Email, Amount: req.Amount, Currency: req.Currency}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"reference":         ref,
		"authorization_url": fmt.Sprintf("%s/%s", strings.TrimRight(s.cfg.CheckoutBaseURL, "/"), ref),
	})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("reference")

	s.mu.Lock()
	p, ok := s.payments[ref]
	var status, email string
	if ok {
		p.polls++
		switch {
		case p.Status != "":
			status = p.Status
		case p.polls > s.cfg.PendingPolls:
			status = s.cfg.FinalStatus
		default:
			status = "pending"
		}
		email = p.Email
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "transaction not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    status,
		"reference": ref,
		"email":     email,
	})
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "status is required"})
		return
	}
	if !s.Resolve(chi.URLParam(r, "reference"), req.Status) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "transaction not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
