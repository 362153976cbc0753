package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/rs/xid"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/model"
	"github.com/sakif/opentrack/internal/repository"
)

var _ repository.TrackingRepository = (*DB)(nil)

const (
	resource = "tracking record"

	// uniqueViolation is the SQLSTATE for a unique constraint failure.
	uniqueViolation = pq.ErrorCode("23505")
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// snapshotRead makes the record row and its opens one consistent read.
// Under the default READ COMMITTED each statement takes a fresh snapshot, so
// an append committing between the two SELECTs could show opened=false with
// a non-empty event list.
var snapshotRead = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// FindByEmailID loads a record and its events from one snapshot.
func (db *DB) FindByEmailID(ctx context.Context, emailID string) (*model.TrackingRecord, error) {
	tx, err := db.conn.BeginTx(ctx, snapshotRead)
	if err != nil {
		return nil, apperror.Unavailable("postgres: beginning read", err)
	}
	defer tx.Rollback()

	var (
		rec   model.TrackingRecord
		first sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		`SELECT email_id, sent_at, opened, first_opened_at
		 FROM tracking_records
		 WHERE email_id = $1`,
		emailID,
	).Scan(&rec.EmailID, &rec.SentAt, &rec.Opened, &first)
	if err != nil {
		return nil, classify("postgres: finding record "+emailID, emailID, err)
	}
	setFirstOpened(&rec, first)

	rec.Opens, err = loadOpens(ctx, tx, emailID)
	if err != nil {
		return nil, classify("postgres: listing opens for "+emailID, emailID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Unavailable("postgres: committing read", err)
	}
	return &rec, nil
}

// Create inserts rec and its embedded events in one transaction. Of two
// concurrent Creates for one id, the loser's INSERT waits on the winner's
// uncommitted key and then affects zero rows.
func (db *DB) Create(ctx context.Context, rec *model.TrackingRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperror.Unavailable("postgres: beginning create", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO tracking_records (email_id, sent_at, opened, first_opened_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (email_id) DO NOTHING`,
		rec.EmailID,
		rec.SentAt.UTC(),
		rec.Opened,
		nullTime(rec.FirstOpenedAt),
	)
	if err != nil {
		return classify("postgres: creating record "+rec.EmailID, rec.EmailID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apperror.Unavailable("postgres: checking rows affected", err)
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
		return apperror.Unavailable("postgres: committing create", err)
	}
	return nil
}

// AppendOpen locks the record row with UPDATE ... RETURNING, inserts the
// event, then reads the event list back, all inside one transaction.
func (db *DB) AppendOpen(ctx context.Context, emailID string, ev model.OpenEvent) (*model.TrackingRecord, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Unavailable("postgres: beginning append", err)
	}
	defer tx.Rollback()

	var (
		rec   model.TrackingRecord
		first sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		`UPDATE tracking_records
		 SET opened = TRUE, first_opened_at = COALESCE(first_opened_at, $1)
		 WHERE email_id = $2
		 RETURNING email_id, sent_at, opened, first_opened_at`,
		ev.Timestamp.UTC(),
		emailID,
	).Scan(&rec.EmailID, &rec.SentAt, &rec.Opened, &first)
	if err != nil {
		return nil, classify("postgres: marking record "+emailID+" opened", emailID, err)
	}
	setFirstOpened(&rec, first)

	if err := insertOpen(ctx, tx, emailID, &ev); err != nil {
		return nil, err
	}

	rec.Opens, err = loadOpens(ctx, tx, emailID)
	if err != nil {
		return nil, classify("postgres: listing opens for "+emailID, emailID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Unavailable("postgres: committing append", err)
	}
	return &rec, nil
}

func insertOpen(ctx context.Context, tx *sql.Tx, emailID string, ev *model.OpenEvent) error {
	if ev.ID == "" {
		ev.ID = xid.New().String()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO open_events (id, email_id, opened_at, origin_address, client_string)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.ID,
		emailID,
		ev.Timestamp.UTC(),
		ev.OriginAddress,
		ev.ClientString,
	)
	if err != nil {
		return apperror.Unavailable("postgres: inserting open for "+emailID, err)
	}
	return nil
}

func loadOpens(ctx context.Context, q querier, emailID string) ([]model.OpenEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, opened_at, origin_address, client_string
		 FROM open_events
		 WHERE email_id = $1
		 ORDER BY seq`,
		emailID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	opens := []model.OpenEvent{}
	for rows.Next() {
		var ev model.OpenEvent
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.OriginAddress, &ev.ClientString); err != nil {
			return nil, err
		}
		opens = append(opens, ev)
	}
	return opens, rows.Err()
}

// classify maps driver errors onto the apperror kinds.
func classify(op, emailID string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.NotFound(resource, emailID)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperror.Conflict(resource, emailID)
	}
	return apperror.Passthrough(op, err)
}

func setFirstOpened(rec *model.TrackingRecord, first sql.NullTime) {
	if first.Valid {
		t := first.Time
		rec.FirstOpenedAt = &t
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
