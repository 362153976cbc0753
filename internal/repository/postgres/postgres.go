// Package postgres implements the tracking repository on PostgreSQL using
// lib/pq.
//
// The schema mirrors the SQLite store. Unlike SQLite there is no
// single-connection bottleneck: AppendOpen relies on the row lock taken by
// its UPDATE, so concurrent opens of one email queue behind each other while
// opens of different emails proceed in parallel.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the "postgres" driver with database/sql.
	_ "github.com/lib/pq"
)

// DB wraps a sql.DB connection pool and implements
// repository.TrackingRepository.
type DB struct {
	conn *sql.DB
}

// Options tunes the connection pool. Zero values keep database/sql defaults.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New connects to dsn (a lib/pq connection string or postgres:// URL),
// verifies the connection and creates the schema if needed.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres: pinging database: %w", err)
	}

	db := NewFromConn(conn)
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres: running migrations: %w", err)
	}
	return db, nil
}

// NewFromConn wraps an already-open pool without touching the schema.
// Tests use it with sqlmock.
func NewFromConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tracking_records (
			email_id        TEXT PRIMARY KEY,
			sent_at         TIMESTAMPTZ NOT NULL,
			opened          BOOLEAN NOT NULL DEFAULT FALSE,
			first_opened_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("creating tracking_records table: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS open_events (
			seq            BIGSERIAL PRIMARY KEY,
			id             TEXT NOT NULL UNIQUE,
			email_id       TEXT NOT NULL REFERENCES tracking_records(email_id),
			opened_at      TIMESTAMPTZ NOT NULL,
			origin_address TEXT NOT NULL DEFAULT '',
			client_string  TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("creating open_events table: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_open_events_email_id ON open_events(email_id, seq)`)
	if err != nil {
		return fmt.Errorf("creating open_events index: %w", err)
	}
	return nil
}
