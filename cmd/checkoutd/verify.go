package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wakala/checkoutd/internal/domain"
	"github.com/wakala/checkoutd/internal/gateway"
	"github.com/wakala/checkoutd/internal/logging"
	"github.com/wakala/checkoutd/internal/repository"
)

func verifyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <reference>",
		Short: "Ask the gateway once for the status of a reference",
		Long: `Verify a reference with the gateway and compare the answer with the
outcome recorded in the ledger. Nothing is changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			reference := args[0]

			gw := gateway.NewClient(gateway.Config{
				BaseURL: cfg.Gateway.BaseURL,
				APIKey:  cfg.Gateway.APIKey,
				Timeout: cfg.Gateway.Timeout,
			}, logging.New(loggingConfig(cfg)))

			res, err := gw.Verify(cmd.Context(), reference)
			if err != nil {
				return fmt.Errorf("verify %s: %w", reference, err)
			}
			status, terminal := domain.NormalizeStatus(res.Status)

			fmt.Printf("Reference:  %s\n", reference)
			fmt.Printf("Gateway:    %s\n", res.Status)
			if terminal {
				fmt.Printf("Outcome:    %s\n", status)
			} else {
				fmt.Println("Outcome:    not final yet")
			}
			if res.Message != "" {
				fmt.Printf("Message:    %s\n", res.Message)
			}

			db, err := repository.InitDB(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("init db: %w", err)
			}
			defer db.Close()

			recorded, err := repository.NewSessionRepo(db).GetByReference(cmd.Context(), reference)
			switch {
			case errors.Is(err, domain.ErrSessionNotFound):
				fmt.Println("Recorded:   unknown reference")
			case err != nil:
				return err
			default:
				fmt.Printf("Recorded:   %s\n", recorded.Status)
				if terminal && recorded.Status.Terminal() && recorded.Status != status {
					fmt.Println("WARNING: gateway and ledger disagree")
				}
			}
			return nil
		},
	}
}
