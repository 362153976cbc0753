package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/model"
	"github.com/sakif/opentrack/internal/repository"
)

var _ repository.TrackingRepository = (*DB)(nil)

const resource = "tracking record"

// querier is satisfied by both *sql.DB and *sql.Tx, so the same load code
// serves plain reads and reads inside a write transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FindByEmailID loads a record and its events.
//
// The two SELECTs share a transaction so they see one snapshot: an append
// committed between them would otherwise show opened=false next to a
// non-empty event list.
func (db *DB) FindByEmailID(ctx context.Context, emailID string) (*model.TrackingRecord, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Unavailable("sqlite: beginning read", err)
	}
	defer tx.Rollback()

	rec, err := loadRecord(ctx, tx, emailID)
	if err != nil {
		return nil, apperror.Passthrough("sqlite: finding record "+emailID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.Unavailable("sqlite: committing read", err)
	}
	return rec, nil
}

// Create inserts rec and its embedded events in one transaction.
//
// ON CONFLICT DO NOTHING turns a duplicate key into "0 rows affected"
// instead of a driver-specific constraint error, which is then reported as
// apperror.ErrConflict.
func (db *DB) Create(ctx context.Context, rec *model.TrackingRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperror.Unavailable("sqlite: beginning create", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO tracking_records (email_id, sent_at, opened, first_opened_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(email_id) DO NOTHING`,
		rec.EmailID,
		rec.SentAt.UTC(),
		rec.Opened,
		nullTime(rec.FirstOpenedAt),
	)
	if err != nil {
		return apperror.Unavailable("sqlite: creating record "+rec.EmailID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apperror.Unavailable("sqlite: checking rows affected", err)
	}
	if rowsAffected == 0 {
		return apperror.Conflict(resource, rec.EmailID)
	}

	for i := range rec.Opens {
		if err := insertOpen(ctx, tx, rec.EmailID, &rec.Opens[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apperror.Unavailable("sqlite: committing create", err)
	}
	return nil
}

// AppendOpen records ev against an existing record.
//
// The UPDATE runs first: it both proves the record exists (rows affected)
// and applies the opened transition. COALESCE keeps an existing
// first_opened_at, so only the first event ever sets it.
func (db *DB) AppendOpen(ctx context.Context, emailID string, ev model.OpenEvent) (*model.TrackingRecord, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Unavailable("sqlite: beginning append", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE tracking_records
		 SET opened = 1, first_opened_at = COALESCE(first_opened_at, ?)
		 WHERE email_id = ?`,
		ev.Timestamp.UTC(),
		emailID,
	)
	if err != nil {
		return nil, apperror.Unavailable("sqlite: marking record "+emailID+" opened", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, apperror.Unavailable("sqlite: checking rows affected", err)
	}
	if rowsAffected == 0 {
		return nil, apperror.NotFound(resource, emailID)
	}

	if err := insertOpen(ctx, tx, emailID, &ev); err != nil {
		return nil, err
	}

	rec, err := loadRecord(ctx, tx, emailID)
	if err != nil {
		return nil, apperror.Passthrough("sqlite: reloading record "+emailID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Unavailable("sqlite: committing append", err)
	}
	return rec, nil
}

func insertOpen(ctx context.Context, tx *sql.Tx, emailID string, ev *model.OpenEvent) error {
	if ev.ID == "" {
		ev.ID = xid.New().String()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO open_events (id, email_id, opened_at, origin_address, client_string)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.ID,
		emailID,
		ev.Timestamp.UTC(),
		ev.OriginAddress,
		ev.ClientString,
	)
	if err != nil {
		return apperror.Unavailable("sqlite: inserting open for "+emailID, err)
	}
	return nil
}

func loadRecord(ctx context.Context, q querier, emailID string) (*model.TrackingRecord, error) {
	var (
		rec   model.TrackingRecord
		first sql.NullTime
	)
	err := q.QueryRowContext(ctx,
		`SELECT email_id, sent_at, opened, first_opened_at
		 FROM tracking_records
		 WHERE email_id = ?`,
		emailID,
	).Scan(&rec.EmailID, &rec.SentAt, &rec.Opened, &first)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound(resource, emailID)
		}
		return nil, fmt.Errorf("sqlite: getting record %s: %w", emailID, err)
	}
	if first.Valid {
		t := first.Time
		rec.FirstOpenedAt = &t
	}

	rec.Opens, err = loadOpens(ctx, q, emailID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func loadOpens(ctx context.Context, q querier, emailID string) ([]model.OpenEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, opened_at, origin_address, client_string
		 FROM open_events
		 WHERE email_id = ?
		 ORDER BY seq`,
		emailID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing opens for %s: %w", emailID, err)
	}
	defer rows.Close()

	opens := []model.OpenEvent{}
	for rows.Next() {
		var ev model.OpenEvent
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.OriginAddress, &ev.ClientString); err != nil {
			return nil, fmt.Errorf("sqlite: scanning open row: %w", err)
		}
		opens = append(opens, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating opens: %w", err)
	}
	return opens, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
