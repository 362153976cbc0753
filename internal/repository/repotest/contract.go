// Package repotest holds the behavioural suite every TrackingRepository
// implementation must pass. Store packages call Run from their own tests
// with a factory that returns a fresh, empty store.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/model"
	"github.com/sakif/opentrack/internal/repository"
)

// Factory returns an empty store. Cleanup is the caller's job (t.Cleanup).
type Factory func(t *testing.T) repository.TrackingRepository

// Run executes the whole suite as subtests.
func Run(t *testing.T, newRepo Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newRepo(t)) })
	t.Run("CreateWithEmbeddedOpen", func(t *testing.T) { testCreateWithEmbeddedOpen(t, newRepo(t)) })
	t.Run("FindNotFound", func(t *testing.T) { testFindNotFound(t, newRepo(t)) })
	t.Run("CreateConflict", func(t *testing.T) { testCreateConflict(t, newRepo(t)) })
	t.Run("AppendNotFound", func(t *testing.T) { testAppendNotFound(t, newRepo(t)) })
	t.Run("AppendMarksOpenedOnce", func(t *testing.T) { testAppendMarksOpenedOnce(t, newRepo(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newRepo(t)) })
	t.Run("ConcurrentCreates", func(t *testing.T) { testConcurrentCreates(t, newRepo(t)) })
	t.Run("ReadsDuringAppendsAreConsistent", func(t *testing.T) { testReadsDuringAppends(t, newRepo(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newRepo(t).Ping(context.Background())) })
}

var base = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func event(offset time.Duration, origin string) model.OpenEvent {
	return model.OpenEvent{
		Timestamp:     base.Add(offset),
		OriginAddress: origin,
		ClientString:  "Mozilla/5.0 (test)",
	}
}

func testCreateAndFind(t *testing.T, repo repository.TrackingRepository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, model.NewRegisteredRecord("abc123", base)))

	got, err := repo.FindByEmailID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.EmailID)
	assert.True(t, got.SentAt.Equal(base), "SentAt = %v, want %v", got.SentAt, base)
	assert.False(t, got.Opened)
	assert.Nil(t, got.FirstOpenedAt)
	assert.Empty(t, got.Opens)
}

func testCreateWithEmbeddedOpen(t *testing.T, repo repository.TrackingRepository) {
	ctx := context.Background()
	rec := model.NewOpenedRecord("first-sight", event(0, "198.51.100.4"))
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.FindByEmailID(ctx, "first-sight")
	require.NoError(t, err)
	assert.True(t, got.Opened)
	require.Len(t, got.Opens, 1)
	require.NotNil(t, got.FirstOpenedAt)
	assert.True(t, got.FirstOpenedAt.Equal(got.Opens[0].Timestamp))
	assert.Equal(t, "198.51.100.4", got.Opens[0].OriginAddress)
	assert.Equal(t, "Mozilla/5.0 (test)", got.Opens[0].ClientString)
	assert.NotEmpty(t, got.Opens[0].ID)
}

func testFindNotFound(t *testing.T, repo repository.TrackingRepository) {
	_, err := repo.FindByEmailID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrNotFound), "error = %v, want ErrNotFound", err)
}

func testCreateConflict(t *testing.T, repo repository.TrackingRepository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, model.NewRegisteredRecord("dup", base)))

	err := repo.Create(ctx, model.NewOpenedRecord("dup", event(time.Hour, "10.0.0.9")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrConflict), "error = %v, want ErrConflict", err)

	// The first record is untouched.
	got, err := repo.FindByEmailID(ctx, "dup")
	require.NoError(t, err)
	assert.False(t, got.Opened)
	assert.Empty(t, got.Opens)
	assert.True(t, got.SentAt.Equal(base))
}

func testAppendNotFound(t *testing.T, repo repository.TrackingRepository) {
	_, err := repo.AppendOpen(context.Background(), "missing", event(0, "10.0.0.1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrNotFound), "error = %v, want ErrNotFound", err)
}

func testAppendMarksOpenedOnce(t *testing.T, repo repository.TrackingRepository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, model.NewRegisteredRecord("abc123", base)))

	first, err := repo.AppendOpen(ctx, "abc123", event(time.Minute, "203.0.113.1"))
	require.NoError(t, err)
	assert.True(t, first.Opened)
	require.NotNil(t, first.FirstOpenedAt)
	assert.True(t, first.FirstOpenedAt.Equal(base.Add(time.Minute)))
	require.Len(t, first.Opens, 1)

	second, err := repo.AppendOpen(ctx, "abc123", event(2*time.Minute, "203.0.113.2"))
	require.NoError(t, err)
	require.Len(t, second.Opens, 2)
	require.NotNil(t, second.FirstOpenedAt)
	assert.True(t, second.FirstOpenedAt.Equal(base.Add(time.Minute)), "FirstOpenedAt moved to %v", second.FirstOpenedAt)
	assert.Equal(t, "203.0.113.1", second.Opens[0].OriginAddress)
	assert.Equal(t, "203.0.113.2", second.Opens[1].OriginAddress)

	stored, err := repo.FindByEmailID(ctx, "abc123")
	require.NoError(t, err)
	assert.Len(t, stored.Opens, 2)
	assert.True(t, stored.FirstOpenedAt.Equal(stored.Opens[0].Timestamp))
}

func testConcurrentAppends(t *testing.T, repo repository.TrackingRepository) {
	const n = 20
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, model.NewRegisteredRecord("busy", base)))

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.AppendOpen(ctx, "busy", event(time.Duration(i)*time.Second, fmt.Sprintf("10.0.0.%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := repo.FindByEmailID(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, got.Opened)
	assert.Len(t, got.Opens, n, "lost updates")
	require.NotNil(t, got.FirstOpenedAt)
	assert.True(t, got.FirstOpenedAt.Equal(got.Opens[0].Timestamp),
		"FirstOpenedAt %v != first event %v", got.FirstOpenedAt, got.Opens[0].Timestamp)

	seen := make(map[string]bool, n)
	for _, ev := range got.Opens {
		seen[ev.OriginAddress] = true
	}
	assert.Len(t, seen, n)
}

func testConcurrentCreates(t *testing.T, repo repository.TrackingRepository) {
	const n = 10
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.Create(ctx, model.NewOpenedRecord("race", event(time.Duration(i)*time.Millisecond, "10.1.1.1")))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, apperror.ErrConflict):
				conflicts++
			default:
				t.Errorf("Create() unexpected error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created, "exactly one Create must win")
	assert.Equal(t, n-1, conflicts)

	got, err := repo.FindByEmailID(ctx, "race")
	require.NoError(t, err)
	assert.Len(t, got.Opens, 1)
}

// testReadsDuringAppends checks that a read never mixes two states: the
// opened flag, firstOpenedAt and the event list always agree.
func testReadsDuringAppends(t *testing.T, repo repository.TrackingRepository) {
	const appends = 20
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, model.NewRegisteredRecord("watched", base)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < appends; i++ {
			if _, err := repo.AppendOpen(ctx, "watched", event(time.Duration(i+1)*time.Second, "10.2.0.1")); err != nil {
				t.Errorf("AppendOpen() error = %v", err)
				return
			}
		}
	}()

	check := func() bool {
		got, err := repo.FindByEmailID(ctx, "watched")
		if !assert.NoError(t, err) {
			return false
		}
		ok := assert.Equal(t, got.Opened, len(got.Opens) > 0,
			"opened=%v with %d opens", got.Opened, len(got.Opens))
		if got.Opened {
			ok = assert.NotNil(t, got.FirstOpenedAt) && ok
			if got.FirstOpenedAt != nil {
				ok = assert.True(t, got.FirstOpenedAt.Equal(got.Opens[0].Timestamp)) && ok
			}
		} else {
			ok = assert.Nil(t, got.FirstOpenedAt) && ok
		}
		return ok
	}

	for {
		select {
		case <-done:
			check()
			return
		default:
			if !check() {
				<-done
				return
			}
		}
	}
}
