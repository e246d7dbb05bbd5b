// Command fakegateway serves an in-memory payment gateway for running
// checkoutd locally.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wakala/checkoutd/internal/gateway/gatewaytest"
	"github.com/wakala/checkoutd/internal/logging"
)

func main() {
	var (
		addr       string
		prefix     string
		cfg        gatewaytest.Config
		prettyLogs bool
	)

	rootCmd := &cobra.Command{
		Use:   "fakegateway",
		Short: "In-memory payment gateway for local development",
		Long: `Serve POST /initialize and GET /verify. Every reference answers
"pending" for --pending-polls verify calls, then --final-status.
POST /payments/{reference}/status forces a status.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(logging.Config{Level: "info", Pretty: prettyLogs}).
				With().Str("component", "fakegateway").Logger()

			var handler http.Handler = gatewaytest.NewServer(cfg).Handler()
			if prefix = strings.TrimRight(prefix, "/"); prefix != "" {
				handler = http.StripPrefix(prefix, handler)
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
			}
			logger.Info().
				Str("addr", addr).
				Str("prefix", prefix).
				Int("pending_polls", cfg.PendingPolls).
				Str("final_status", cfg.FinalStatus).
				Msg("fake gateway listening")
			return srv.ListenAndServe()
		},
	}
	rootCmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	rootCmd.Flags().StringVar(&prefix, "prefix", "/api/payments", "path the gateway API is served under")
	rootCmd.Flags().IntVar(&cfg.PendingPolls, "pending-polls", 3, "verify calls answered pending before the final status")
	rootCmd.Flags().StringVar(&cfg.FinalStatus, "final-status", "success", "status reported after the pending polls")
	rootCmd.Flags().StringVar(&cfg.CheckoutBaseURL, "checkout-url", "http://localhost:8090/checkout", "base of the authorization URLs")
	rootCmd.Flags().StringVar(&cfg.APIKey, "api-key", "", "bearer token required from clients")
	rootCmd.Flags().BoolVar(&prettyLogs, "pretty", true, "human-readable logs")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
