package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite has a single writer, and every ":memory:" connection is its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS payment_sessions (
			reference TEXT PRIMARY KEY,
			buyer_key TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			offer_id TEXT NOT NULL,
			offer_type TEXT NOT NULL,
			offer_name TEXT NOT NULL DEFAULT '',
			customer_email TEXT NOT NULL,
			checkout_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_confirmed_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			resolved_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_sessions_buyer ON payment_sessions(buyer_key)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_sessions_status ON payment_sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_sessions_created_at ON payment_sessions(created_at)`,

		`CREATE TABLE IF NOT EXISTS confirmation_events (
			id TEXT PRIMARY KEY,
			reference TEXT NOT NULL,
			source TEXT NOT NULL,
			raw_status TEXT NOT NULL,
			normalized TEXT NOT NULL DEFAULT '',
			disposition TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			received_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmation_events_reference ON confirmation_events(reference)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmation_events_disposition ON confirmation_events(disposition)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}
