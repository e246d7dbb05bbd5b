package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wakala/checkoutd/internal/domain"
)

// EventRepo is the audit log of every confirmation event the coordinator
// received, applied or not.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) Insert(ctx context.Context, e *domain.EventRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO confirmation_events
		(id, reference, source, raw_status, normalized, disposition, reason, received_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Reference, string(e.Source), e.RawStatus, string(e.Normalized),
		string(e.Disposition), e.Reason, e.ReceivedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert confirmation event: %w", err)
	}
	return nil
}

// ListByReference returns the events received for a reference, oldest first.
func (r *EventRepo) ListByReference(ctx context.Context, reference string) ([]domain.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, reference, source, raw_status, normalized, disposition, reason, received_at
		FROM confirmation_events WHERE reference = ? ORDER BY received_at, rowid`, reference,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountByDisposition summarizes how received events were handled.
func (r *EventRepo) CountByDisposition(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT disposition, COUNT(*) FROM confirmation_events GROUP BY disposition",
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var d string
		var n int
		if err := rows.Scan(&d, &n); err != nil {
			return nil, err
		}
		out[d] = n
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]domain.EventRecord, error) {
	var events []domain.EventRecord
	for rows.Next() {
		var e domain.EventRecord
		var source, normalized, disposition, receivedAt string
		if err := rows.Scan(
			&e.ID, &e.Reference, &source, &e.RawStatus, &normalized,
			&disposition, &e.Reason, &receivedAt,
		); err != nil {
			return nil, err
		}
		e.Source = domain.Source(source)
		e.Normalized = domain.Status(normalized)
		e.Disposition = domain.Disposition(disposition)
		e.ReceivedAt, _ = time.Parse(time.RFC3339, receivedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
