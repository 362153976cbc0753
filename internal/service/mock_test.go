package service

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/model"
)

// =========================================================================
// MOCK REPOSITORY
// =========================================================================
//
// mockTrackingRepo is an in-memory repository.TrackingRepository. A single
// mutex makes each method atomic, which is the same guarantee the real
// stores give, so the concurrency tests below exercise the service logic
// rather than the mock.
//
// The hook fields let a test inject failures or interleavings:
//   - findErr / createErr / appendErr short-circuit the method
//   - beforeCreate runs (without the lock) just before Create, so a test can
//     sneak in a competing record and force the conflict path
//   - findHook runs inside FindByEmailID, for blocking or slow stores
type mockTrackingRepo struct {
	mu      sync.Mutex
	records map[string]*model.TrackingRecord

	findErr   error
	createErr error
	appendErr error

	beforeCreate func()
	findHook     func(ctx context.Context) error

	findCalls, createCalls, appendCalls int
}

func newMockRepo() *mockTrackingRepo {
	return &mockTrackingRepo{records: make(map[string]*model.TrackingRecord)}
}

func clone(rec *model.TrackingRecord) *model.TrackingRecord {
	out := *rec
	out.Opens = append([]model.OpenEvent{}, rec.Opens...)
	if rec.FirstOpenedAt != nil {
		t := *rec.FirstOpenedAt
		out.FirstOpenedAt = &t
	}
	return &out
}

func (m *mockTrackingRepo) FindByEmailID(ctx context.Context, emailID string) (*model.TrackingRecord, error) {
	m.mu.Lock()
	m.findCalls++
	hook := m.findHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	rec, ok := m.records[emailID]
	if !ok {
		return nil, apperror.NotFound("tracking record", emailID)
	}
	return clone(rec), nil
}

func (m *mockTrackingRepo) Create(_ context.Context, rec *model.TrackingRecord) error {
	m.mu.Lock()
	hook := m.beforeCreate
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.records[rec.EmailID]; ok {
		return apperror.Conflict("tracking record", rec.EmailID)
	}
	m.records[rec.EmailID] = clone(rec)
	return nil
}

func (m *mockTrackingRepo) AppendOpen(_ context.Context, emailID string, ev model.OpenEvent) (*model.TrackingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	rec, ok := m.records[emailID]
	if !ok {
		return nil, apperror.NotFound("tracking record", emailID)
	}
	rec.ApplyOpen(ev)
	return clone(rec), nil
}

func (m *mockTrackingRepo) Ping(context.Context) error { return nil }
func (m *mockTrackingRepo) Close() error               { return nil }

// get returns a copy of the stored record, or nil.
func (m *mockTrackingRepo) get(emailID string) *model.TrackingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[emailID]
	if !ok {
		return nil
	}
	return clone(rec)
}

func (m *mockTrackingRepo) storeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findCalls + m.createCalls + m.appendCalls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
