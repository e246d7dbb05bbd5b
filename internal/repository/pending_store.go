package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/checkoutd/internal/domain"
)

// PendingKeyPrefix is the well-known key the pending session of a buyer is
// stored under.
const PendingKeyPrefix = "pending_payment:"

func PendingKey(buyerKey string) string {
	return PendingKeyPrefix + buyerKey
}

// pendingRecord is the stored shape of a pending session.
type pendingRecord struct {
	Reference   string          `json:"reference"`
	Email       string          `json:"email"`
	OfferType   string          `json:"offerType"`
	OfferID     string          `json:"offerId"`
	OfferName   string          `json:"offerName,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	CheckoutURL string          `json:"checkoutUrl,omitempty"`
	Status      domain.Status   `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

func encodePending(s *domain.PaymentSession) ([]byte, error) {
	return json.Marshal(pendingRecord{
		Reference:   s.Reference,
		Email:       s.CustomerEmail,
		OfferType:   s.OfferType,
		OfferID:     s.OfferID,
		OfferName:   s.OfferName,
		Amount:      s.Amount,
		Currency:    s.Currency,
		CheckoutURL: s.CheckoutURL,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt.UTC(),
		ExpiresAt:   s.ExpiresAt.UTC(),
	})
}

func decodePending(buyerKey string, data []byte) (*domain.PaymentSession, error) {
	var rec pendingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Reference == "" {
		return nil, errors.New("record has no reference")
	}
	if !rec.Status.Valid() {
		rec.Status = domain.StatusAwaitingConfirmation
	}
	return &domain.PaymentSession{
		Reference:     rec.Reference,
		BuyerKey:      buyerKey,
		Amount:        rec.Amount,
		Currency:      rec.Currency,
		OfferID:       rec.OfferID,
		OfferType:     rec.OfferType,
		OfferName:     rec.OfferName,
		CustomerEmail: rec.Email,
		CheckoutURL:   rec.CheckoutURL,
		Status:        rec.Status,
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
	}, nil
}

// PendingStore keeps at most one pending session per buyer in the kv_store
// table so confirmation can resume after a restart.
type PendingStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPendingStore(db *sql.DB) *PendingStore {
	return &PendingStore{db: db, now: time.Now}
}

func (s *PendingStore) Save(ctx context.Context, session *domain.PaymentSession) error {
	data, err := encodePending(session)
	if err != nil {
		return fmt.Errorf("encode pending session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		PendingKey(session.BuyerKey), string(data), s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save pending session: %w", err)
	}
	return nil
}

// Load returns the stored session for buyerKey, or nil when there is none.
// A record past its expiry is cleared and treated as absent. So is a
// corrupt one.
func (s *PendingStore) Load(ctx context.Context, buyerKey string) (*domain.PaymentSession, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_store WHERE key = ?", PendingKey(buyerKey),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending session: %w", err)
	}

	session, err := decodePending(buyerKey, []byte(value))
	if err != nil || session.Expired(s.now()) {
		if cerr := s.Clear(ctx, buyerKey); cerr != nil {
			return nil, cerr
		}
		return nil, nil
	}
	return session, nil
}

func (s *PendingStore) Clear(ctx context.Context, buyerKey string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", PendingKey(buyerKey)); err != nil {
		return fmt.Errorf("clear pending session: %w", err)
	}
	return nil
}

// ListKeys returns the buyer keys that currently have a stored record.
func (s *PendingStore) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv_store WHERE key LIKE ? ORDER BY key", PendingKeyPrefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, strings.TrimPrefix(key, PendingKeyPrefix))
	}
	return keys, rows.Err()
}
