package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/checkoutd/internal/currency"
	"github.com/wakala/checkoutd/internal/domain"
)

// SessionRepo is the ledger of every initiated session and how it ended.
type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `reference, buyer_key, amount, currency, offer_id, offer_type, offer_name,
	customer_email, checkout_url, status, last_confirmed_by, reason, created_at, expires_at, resolved_at`

// Insert records a new session. A reference the gateway already issued is
// rejected with domain.ErrReferenceReused.
func (r *SessionRepo) Insert(ctx context.Context, s *domain.PaymentSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payment_sessions (`+sessionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.Reference, s.BuyerKey, s.Amount.String(), s.Currency, s.OfferID, s.OfferType,
		s.OfferName, s.CustomerEmail, s.CheckoutURL, string(s.Status),
		string(s.LastConfirmedBy), s.Reason, s.CreatedAt.UTC().Format(time.RFC3339),
		s.ExpiresAt.UTC().Format(time.RFC3339), formatNullableTime(s.ResolvedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("insert session %s: %w", s.Reference, domain.ErrReferenceReused)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateTerminal writes the terminal state of s unless the stored row is
// already terminal. It reports whether the row changed.
func (r *SessionRepo) UpdateTerminal(ctx context.Context, s *domain.PaymentSession) (bool, error) {
	if !s.Status.Terminal() {
		return false, fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, s.Status)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_sessions
		SET status = ?, last_confirmed_by = ?, reason = ?, resolved_at = ?
		WHERE reference = ? AND status NOT IN (?,?,?,?)`,
		string(s.Status), string(s.LastConfirmedBy), s.Reason, formatNullableTime(s.ResolvedAt),
		s.Reference,
		string(domain.StatusSucceeded), string(domain.StatusDeclined),
		string(domain.StatusExpired), string(domain.StatusCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("update session %s: %w", s.Reference, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SessionRepo) GetByReference(ctx context.Context, reference string) (*domain.PaymentSession, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM payment_sessions WHERE reference = ?", reference,
	)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", reference, domain.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// LatestForBuyer returns the most recently created session of a buyer.
func (r *SessionRepo) LatestForBuyer(ctx context.Context, buyerKey string) (*domain.PaymentSession, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+` FROM payment_sessions WHERE buyer_key = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, buyerKey,
	)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("buyer %s: %w", buyerKey, domain.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest session: %w", err)
	}
	return s, nil
}

type SessionFilter struct {
	BuyerKey        string
	Status          string
	Currency        string
	LastConfirmedBy string
	From            *time.Time
	To              *time.Time
	Page            int
	Limit           int
}

func (r *SessionRepo) List(ctx context.Context, f SessionFilter) ([]domain.PaymentSession, int, error) {
	where, args := buildSessionWhere(f)

	var total int
	countSQL := "SELECT COUNT(*) FROM payment_sessions" + where
	if err := r.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	querySQL := "SELECT " + sessionColumns + " FROM payment_sessions" + where +
		" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var sessions []domain.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, total, rows.Err()
}

// SessionStats holds aggregate session statistics.
type SessionStats struct {
	Total        int              `json:"total"`
	Pending      int              `json:"pending"`
	Succeeded    int              `json:"succeeded"`
	Declined     int              `json:"declined"`
	Expired      int              `json:"expired"`
	Cancelled    int              `json:"cancelled"`
	ConfirmedBy  map[string]int   `json:"confirmed_by"`
	Volume       []CurrencyVolume `json:"volume"`
	SucceededUSD decimal.Decimal  `json:"succeeded_usd"`
}

type CurrencyVolume struct {
	Currency  string          `json:"currency"`
	Succeeded decimal.Decimal `json:"succeeded"`
	Count     int             `json:"count"`
}

func (r *SessionRepo) Stats(ctx context.Context) (*SessionStats, error) {
	s := &SessionStats{ConfirmedBy: make(map[string]int)}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('initiating','awaiting_confirmation') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status='succeeded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status='declined' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status='expired' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status='cancelled' THEN 1 ELSE 0 END), 0)
		FROM payment_sessions
	`).Scan(&s.Total, &s.Pending, &s.Succeeded, &s.Declined, &s.Expired, &s.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("session counts: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT last_confirmed_by, COUNT(*) FROM payment_sessions
		WHERE last_confirmed_by != '' GROUP BY last_confirmed_by
	`)
	if err != nil {
		return nil, fmt.Errorf("confirmed by: %w", err)
	}
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.ConfirmedBy[src] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Amounts are summed in Go to keep decimal precision.
	rows, err = r.db.QueryContext(ctx,
		"SELECT currency, amount FROM payment_sessions WHERE status = 'succeeded'",
	)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	defer rows.Close()

	byCurrency := make(map[string]*CurrencyVolume)
	for rows.Next() {
		var code, amountStr string
		if err := rows.Scan(&code, &amountStr); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			continue
		}
		cv, ok := byCurrency[code]
		if !ok {
			cv = &CurrencyVolume{Currency: code}
			byCurrency[code] = cv
		}
		cv.Succeeded = cv.Succeeded.Add(amount)
		cv.Count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, cv := range byCurrency {
		s.Volume = append(s.Volume, *cv)
		if usd, err := currency.ToUSD(cv.Succeeded, cv.Currency); err == nil {
			s.SucceededUSD = s.SucceededUSD.Add(usd)
		}
	}
	sort.Slice(s.Volume, func(i, j int) bool { return s.Volume[i].Currency < s.Volume[j].Currency })
	return s, nil
}

// --- helpers ---

func buildSessionWhere(f SessionFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.BuyerKey != "" {
		clauses = append(clauses, "buyer_key = ?")
		args = append(args, f.BuyerKey)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Currency != "" {
		clauses = append(clauses, "currency = ?")
		args = append(args, f.Currency)
	}
	if f.LastConfirmedBy != "" {
		clauses = append(clauses, "last_confirmed_by = ?")
		args = append(args, f.LastConfirmedBy)
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.PaymentSession, error) {
	var s domain.PaymentSession
	var amount, status, confirmedBy, createdAt, expiresAt string
	var resolvedAt sql.NullString

	err := row.Scan(
		&s.Reference, &s.BuyerKey, &amount, &s.Currency, &s.OfferID, &s.OfferType,
		&s.OfferName, &s.CustomerEmail, &s.CheckoutURL, &status, &confirmedBy,
		&s.Reason, &createdAt, &expiresAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Amount, _ = decimal.NewFromString(amount)
	s.Status = domain.Status(status)
	s.LastConfirmedBy = domain.Source(confirmedBy)
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339, resolvedAt.String)
		s.ResolvedAt = &t
	}
	return &s, nil
}
