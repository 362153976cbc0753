// Package sqlite implements the tracking repository on SQLite.
//
// It is the default store: a single file, no server, and ":memory:" for
// tests. modernc.org/sqlite is a pure Go translation of SQLite, so the
// binary builds without a C toolchain.
//
// CONCURRENCY:
// The pool is capped at one connection. Every write runs in a transaction on
// that connection, so all mutations of the database are serialized and the
// read-modify-write in AppendOpen cannot interleave with another. This is
// also what makes ":memory:" usable: each SQLite connection to ":memory:"
// would otherwise see its own private, empty database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and implements
// repository.TrackingRepository.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/opentrack.db" → file-based database (persistent)
//   - ":memory:"          → in-memory database (tests)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets the file be read by other processes (backups, sqlite3 CLI)
	// while the server writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// open_events.email_id references tracking_records.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database file is still usable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it idempotent.
//
// email_id is the PRIMARY KEY of tracking_records: this unique constraint is
// what makes Create conflict-safe. open_events.seq is AUTOINCREMENT, so
// ordering by it yields store-arrival order even if two events carry the
// same timestamp.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS tracking_records (
			email_id        TEXT PRIMARY KEY,
			sent_at         DATETIME NOT NULL,
			opened          INTEGER NOT NULL DEFAULT 0,
			first_opened_at DATETIME
		);
	`)
	if err != nil {
		return fmt.Errorf("creating tracking_records table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS open_events (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			email_id       TEXT NOT NULL REFERENCES tracking_records(email_id),
			opened_at      DATETIME NOT NULL,
			origin_address TEXT NOT NULL DEFAULT '',
			client_string  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_open_events_email_id ON open_events(email_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("creating open_events table: %w", err)
	}

	return nil
}
