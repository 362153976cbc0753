package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/model"
	"github.com/sakif/opentrack/internal/repository"
	"github.com/sakif/opentrack/internal/repository/repotest"
)

// newTestDB opens a fresh in-memory database and closes it when the test
// finishes. t.Helper() makes failures point at the caller's line.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.TrackingRepository {
		return newTestDB(t)
	})
}

func TestCreate_AssignsEventIDs(t *testing.T) {
	db := newTestDB(t)
	rec := model.NewOpenedRecord("abc123", model.OpenEvent{Timestamp: time.Now()})

	require.NoError(t, db.Create(context.Background(), rec))
	assert.NotEmpty(t, rec.Opens[0].ID, "Create should fill in the event id")
}

func TestAppendOpen_KeepsCallerEventID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, model.NewRegisteredRecord("abc123", time.Now())))

	rec, err := db.AppendOpen(ctx, "abc123", model.OpenEvent{ID: "evt-1", Timestamp: time.Now()})
	require.NoError(t, err)
	require.Len(t, rec.Opens, 1)
	assert.Equal(t, "evt-1", rec.Opens[0].ID)
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := db.AppendOpen(ctx, "abc123", model.OpenEvent{Timestamp: time.Now()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrUnavailable), "error = %v, want ErrUnavailable", err)
	assert.True(t, errors.Is(err, context.Canceled), "error = %v, want context.Canceled in chain", err)
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	db, err := New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.FindByEmailID(context.Background(), "abc123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrUnavailable), "error = %v, want ErrUnavailable", err)
}

// TestPersistsAcrossReopen checks the file-backed path: a record written by
// one DB handle is visible after reopening the same file.
func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opentrack.db")
	ctx := context.Background()

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.Create(ctx, model.NewRegisteredRecord("abc123", time.Now())))
	_, err = db.AppendOpen(ctx, "abc123", model.OpenEvent{Timestamp: time.Now(), OriginAddress: "192.0.2.10"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	rec, err := reopened.FindByEmailID(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, rec.Opened)
	require.Len(t, rec.Opens, 1)
	assert.Equal(t, "192.0.2.10", rec.Opens[0].OriginAddress)
}
