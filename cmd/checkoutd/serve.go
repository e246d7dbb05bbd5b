package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wakala/checkoutd/internal/api"
	"github.com/wakala/checkoutd/internal/channel"
	"github.com/wakala/checkoutd/internal/checkout"
	"github.com/wakala/checkoutd/internal/config"
	"github.com/wakala/checkoutd/internal/gateway"
	"github.com/wakala/checkoutd/internal/logging"
	"github.com/wakala/checkoutd/internal/notify"
	"github.com/wakala/checkoutd/internal/reconciliation"
	"github.com/wakala/checkoutd/internal/repository"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	var (
		port        string
		memoryStore bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the checkout API and resume pending confirmations",
		Long: `Start the HTTP API, the checkout socket and the confirmation workers.

Sessions still awaiting confirmation from a previous run are resumed on
startup.

Examples:
  checkoutd serve
  checkoutd serve --config /etc/checkoutd.yaml --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}
			return runServe(cmd.Context(), cfg, memoryStore)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides config)")
	cmd.Flags().BoolVar(&memoryStore, "memory-store", false, "keep pending sessions in memory only; they are not resumed after a restart")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, memoryStore bool) error {
	logger := logging.New(loggingConfig(cfg))

	logger.Info().Str("path", cfg.Database.Path).Msg("initializing database")
	db, err := repository.InitDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer db.Close()

	// Create repositories.
	var store reconciliation.PendingStore = repository.NewPendingStore(db)
	if memoryStore {
		logger.Warn().Msg("pending sessions kept in memory; they will not survive a restart")
		store = repository.NewMemoryPendingStore()
	}
	sessions := repository.NewSessionRepo(db)
	events := repository.NewEventRepo(db)

	// Gateway and message relay.
	gw := gateway.NewClient(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.Timeout,
	}, logger)
	bus := channel.NewBus()
	hub := notify.NewHub(bus, logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	handlers := notify.Multi{hub}
	if cfg.Kafka.Enabled {
		publisher := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer publisher.Close()
		handlers = append(handlers, publisher)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing outcomes to kafka")
	}

	pages := pagesFrom(cfg)
	registry := reconciliation.NewRegistry(reconciliation.RegistryConfig{
		Initiator: checkout.NewInitiator(gw, sessions, store, cfg.Confirmation.MaxWait(), cfg.Gateway.Source, logger),
		Store:     store,
		Ledger:    sessions,
		Events:    events,
		Verifier:  gw,
		Bus:       bus,
		Origins:   channel.NewOriginAllowList(cfg.Gateway.MessageOrigins...),
		Poll: channel.PollConfig{
			Interval:    cfg.Confirmation.PollInterval,
			MaxAttempts: cfg.Confirmation.MaxAttempts,
		},
		Handler:     handlers,
		Pages:       pages,
		EventBuffer: cfg.Confirmation.EventBuffer,
		Logger:      logger,
	})

	if _, err := registry.ResumeAll(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to resume pending sessions")
	}

	router := api.NewRouter(api.RouterConfig{
		Registry:       registry,
		Sessions:       sessions,
		Events:         events,
		Bus:            bus,
		Hub:            hub,
		Pages:          pages,
		DB:             db,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("gateway", cfg.Gateway.BaseURL).
			Dur("poll_interval", cfg.Confirmation.PollInterval).
			Int("max_attempts", cfg.Confirmation.MaxAttempts).
			Msg("checkoutd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			registry.Shutdown()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	// Pending sessions stay stored and are resumed on the next start.
	registry.Shutdown()
	logger.Info().Int("active", registry.Active()).Msg("stopped")
	return nil
}
