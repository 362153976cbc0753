// Package repository declares the storage contract for tracking records.
//
// Implementations live in sub-packages (sqlite, postgres, redisstore,
// mongostore). Each one must keep the per-record operations atomic: the
// service layer never locks anything itself.
package repository

import (
	"context"

	"github.com/sakif/opentrack/internal/model"
)

// TrackingRepository is the Record Store.
//
// Error contract:
//   - FindByEmailID and AppendOpen return apperror.ErrNotFound for an unknown id.
//   - Create returns apperror.ErrConflict if the id is already present; of two
//     concurrent Creates for one id, exactly one succeeds.
//   - Anything else (connection loss, timeout, cancelled context) is
//     apperror.ErrUnavailable wrapping the cause.
type TrackingRepository interface {
	FindByEmailID(ctx context.Context, emailID string) (*model.TrackingRecord, error)

	// Create persists rec, including any events already in rec.Opens, in a
	// single atomic step.
	Create(ctx context.Context, rec *model.TrackingRecord) error

	// AppendOpen appends ev to the record's opens and, if the record has
	// never been opened, sets Opened and FirstOpenedAt = ev.Timestamp in the
	// same atomic step. It returns the record as it is after the append.
	AppendOpen(ctx context.Context, emailID string, ev model.OpenEvent) (*model.TrackingRecord, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
