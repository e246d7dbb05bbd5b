package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/wakala/checkoutd/internal/channel"
	"github.com/wakala/checkoutd/internal/notify"
	"github.com/wakala/checkoutd/internal/reconciliation"
	"github.com/wakala/checkoutd/internal/repository"
)

const defaultCallbackWait = 5 * time.Second

type RouterConfig struct {
	Registry *reconciliation.Registry
	Sessions *repository.SessionRepo
	Events   *repository.EventRepo
	Bus      *channel.Bus
	Hub      *notify.Hub
	Pages    reconciliation.Pages
	DB       *sql.DB

	// AllowedOrigins are the landing pages allowed to call the API and open
	// sockets. Empty allows any origin.
	AllowedOrigins []string
	// CallbackWait bounds how long the callback waits for the outcome before
	// sending the buyer to the pending page.
	CallbackWait time.Duration
	Logger       zerolog.Logger
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(cfg RouterConfig) http.Handler {
	wait := cfg.CallbackWait
	if wait <= 0 {
		wait = defaultCallbackWait
	}
	origins := channel.NewOriginAllowList(cfg.AllowedOrigins...)
	h := &Handlers{
		registry:     cfg.Registry,
		sessions:     cfg.Sessions,
		events:       cfg.Events,
		bus:          cfg.Bus,
		hub:          cfg.Hub,
		pages:        cfg.Pages,
		db:           cfg.DB,
		callbackWait: wait,
		logger:       cfg.Logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return origins.Empty() || origins.Allowed(r.Header.Get("Origin"))
			},
		},
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Buyer return and message relay. Not JSON: redirects and socket upgrades.
		r.Get("/checkout/callback", h.Callback)
		r.Get("/checkout/ws", h.Socket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.SetHeader("Content-Type", "application/json"))

			// Checkout.
			r.Post("/checkout", h.StartCheckout)
			r.Post("/checkout/messages", h.RelayMessage)
			r.Get("/checkout/verify/{reference}", h.VerifyReference)
			r.Get("/checkout/{buyer}/status", h.CheckoutStatus)
			r.Post("/checkout/{buyer}/cancel", h.CancelCheckout)
			r.Post("/checkout/{buyer}/resume", h.ResumeCheckout)

			// Sessions.
			r.Get("/sessions", h.ListSessions)
			r.Get("/sessions/stats", h.GetStats)
			r.Get("/sessions/{reference}", h.GetSession)
			r.Get("/sessions/{reference}/events", h.ListSessionEvents)
		})
	})

	return r
}
