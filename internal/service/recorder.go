package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/metrics"
	"github.com/sakif/opentrack/internal/model"
	"github.com/sakif/opentrack/internal/repository"
)

// DefaultRecordTimeout bounds the store work for one pixel fetch.
const DefaultRecordTimeout = 5 * time.Second

// Outcome says which path a Record call took.
type Outcome string

const (
	// OutcomeCreated: the id was unseen and this call created its record.
	OutcomeCreated Outcome = metrics.OutcomeCreated
	// OutcomeAppended: the record existed and the event was appended.
	OutcomeAppended Outcome = metrics.OutcomeAppended
	// OutcomeRaceAppended: the id looked unseen but another caller created
	// the record first, so the event was appended to theirs.
	OutcomeRaceAppended Outcome = metrics.OutcomeRaceAppended
	// OutcomeFailed: nothing was recorded.
	OutcomeFailed Outcome = metrics.OutcomeFailed
)

// OpenRecorder turns one pixel fetch into one durable open event.
//
// THE STATE MACHINE:
//
//	find ──found──────────────────────────────► append ──► appended
//	  │
//	  └─not found──► create ──ok──────────────────────────► created
//	                   │
//	                   └─conflict──► append ──► race_appended
//
// Any store error on any edge ends in failed. The conflict edge is what
// makes concurrent first fetches safe: exactly one create wins, and every
// loser still lands its event through AppendOpen. Nothing is lost and no
// record is duplicated.
type OpenRecorder struct {
	repo    repository.TrackingRepository
	metrics *metrics.Metrics
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// RecorderOption customises an OpenRecorder.
type RecorderOption func(*OpenRecorder)

// WithClock replaces time.Now as the source of event timestamps.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *OpenRecorder) { r.now = now }
}

// WithTimeout sets the per-call deadline. Non-positive values are ignored.
func WithTimeout(d time.Duration) RecorderOption {
	return func(r *OpenRecorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewOpenRecorder creates an OpenRecorder. A nil m gets collectors on a
// private registry, which keeps them out of /metrics.
func NewOpenRecorder(repo repository.TrackingRepository, m *metrics.Metrics, logger *slog.Logger, opts ...RecorderOption) *OpenRecorder {
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	r := &OpenRecorder{
		repo:    repo,
		metrics: m,
		logger:  logger,
		timeout: DefaultRecordTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores one open of emailID seen from origin with the given client
// string (User-Agent).
//
// The returned error is for logging and tests; the pixel handler ignores it.
// Failures are already logged and counted here.
func (r *OpenRecorder) Record(ctx context.Context, emailID, origin, client string) (Outcome, error) {
	if err := validateEmailID(emailID); err != nil {
		r.metrics.ObserveOutcome(string(OutcomeFailed))
		r.logger.Warn("rejected open for invalid email id",
			slog.Int("email_id_length", len(emailID)),
			slog.String("origin", origin),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ev := model.OpenEvent{
		Timestamp:     r.now().UTC(),
		OriginAddress: origin,
		ClientString:  client,
	}

	outcome, err := r.record(ctx, emailID, ev)
	r.metrics.ObserveOutcome(string(outcome))

	if err != nil {
		r.logger.Error("failed to record open",
			slog.String("email_id", emailID),
			slog.String("origin", origin),
			slog.String("error", err.Error()),
		)
		return outcome, err
	}

	r.logger.Debug("open recorded",
		slog.String("email_id", emailID),
		slog.String("origin", origin),
		slog.String("outcome", string(outcome)),
	)
	return outcome, nil
}

func (r *OpenRecorder) record(ctx context.Context, emailID string, ev model.OpenEvent) (Outcome, error) {
	start := time.Now()
	_, err := r.repo.FindByEmailID(ctx, emailID)
	r.metrics.ObserveStore("find", start)

	switch {
	case err == nil:
		return r.append(ctx, emailID, ev, OutcomeAppended)

	case isNotFound(err):
		start = time.Now()
		err = r.repo.Create(ctx, model.NewOpenedRecord(emailID, ev))
		r.metrics.ObserveStore("create", start)

		if err == nil {
			return OutcomeCreated, nil
		}
		if isConflict(err) {
			return r.append(ctx, emailID, ev, OutcomeRaceAppended)
		}
		return OutcomeFailed, fmt.Errorf("creating record: %w", err)

	default:
		return OutcomeFailed, fmt.Errorf("looking up record: %w", err)
	}
}

func (r *OpenRecorder) append(ctx context.Context, emailID string, ev model.OpenEvent, success Outcome) (Outcome, error) {
	start := time.Now()
	_, err := r.repo.AppendOpen(ctx, emailID, ev)
	r.metrics.ObserveStore("append", start)

	if err != nil {
		return OutcomeFailed, fmt.Errorf("appending open: %w", err)
	}
	return success, nil
}

func isNotFound(err error) bool { return errors.Is(err, apperror.ErrNotFound) }
func isConflict(err error) bool { return errors.Is(err, apperror.ErrConflict) }
