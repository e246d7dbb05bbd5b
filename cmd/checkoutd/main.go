package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wakala/checkoutd/internal/config"
	"github.com/wakala/checkoutd/internal/logging"
	"github.com/wakala/checkoutd/internal/reconciliation"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "checkoutd",
		Short:        "checkoutd - payment confirmation service for landing-page checkouts",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "checkoutd.yaml", "path to the YAML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(statusCmd(&configPath))
	rootCmd.AddCommand(verifyCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func loggingConfig(cfg *config.Config) logging.Config {
	return logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty}
}

func pagesFrom(cfg *config.Config) reconciliation.Pages {
	return reconciliation.Pages{
		SuccessURL:   cfg.Pages.SuccessURL,
		DeclinedURL:  cfg.Pages.DeclinedURL,
		PendingURL:   cfg.Pages.PendingURL,
		CancelledURL: cfg.Pages.CancelledURL,
	}
}
