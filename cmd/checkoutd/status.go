package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wakala/checkoutd/internal/domain"
	"github.com/wakala/checkoutd/internal/repository"
)

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <buyer>",
		Short: "Show the buyer's pending or most recent payment session",
		Long: `Show the payment session stored for a buyer, or the last one recorded
in the ledger, together with the confirmation events received for it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := repository.InitDB(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("init db: %w", err)
			}
			defer db.Close()

			ctx := cmd.Context()
			buyer := args[0]
			store := repository.NewPendingStore(db)
			sessions := repository.NewSessionRepo(db)

			session, err := store.Load(ctx, buyer)
			if err != nil {
				return err
			}
			origin := "pending store"
			if session == nil {
				origin = "ledger"
				session, err = sessions.LatestForBuyer(ctx, buyer)
				if errors.Is(err, domain.ErrSessionNotFound) {
					fmt.Printf("No payment sessions for buyer %s\n", buyer)
					return nil
				}
				if err != nil {
					return err
				}
			}

			printSession(session, origin, pagesFrom(cfg).NextURL(*session))
			return printEvents(ctx, repository.NewEventRepo(db), session.Reference)
		},
	}
}

func printSession(s *domain.PaymentSession, origin, nextURL string) {
	fmt.Printf("Payment session (%s)\n", origin)
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("  Reference:    %s\n", s.Reference)
	fmt.Printf("  Buyer:        %s\n", s.BuyerKey)
	fmt.Printf("  Amount:       %s %s\n", s.Amount.StringFixed(2), s.Currency)
	fmt.Printf("  Offer:        %s (%s)\n", s.OfferID, s.OfferType)
	fmt.Printf("  Status:       %s\n", s.Status)
	fmt.Printf("  Created:      %s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Expires:      %s\n", s.ExpiresAt.Format("2006-01-02 15:04:05"))
	if s.ResolvedAt != nil {
		fmt.Printf("  Resolved:     %s by %s\n", s.ResolvedAt.Format("2006-01-02 15:04:05"), s.LastConfirmedBy)
	}
	if s.Reason != "" {
		fmt.Printf("  Reason:       %s\n", s.Reason)
	}
	fmt.Printf("  Next page:    %s\n", nextURL)
}

func printEvents(ctx context.Context, events *repository.EventRepo, reference string) error {
	list, err := events.ListByReference(ctx, reference)
	if err != nil {
		return err
	}
	fmt.Printf("\nConfirmation events (%d):\n", len(list))
	for _, e := range list {
		fmt.Printf("  %s  %-8s  %-10s -> %-16s %s\n",
			e.ReceivedAt.Format("15:04:05"), e.Source, e.RawStatus, e.Disposition, e.Reason)
	}
	return nil
}
