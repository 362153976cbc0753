// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Repository (Data layer)  → reads/writes the record store
//
// Two services live here:
//
//   - OpenRecorder turns a pixel fetch into a durable open event
//     (recorder.go). It is the only writer of open events.
//   - TrackingService handles registration and the read-only status and
//     history queries (this file).
//
// Both take a repository.TrackingRepository (interface), never a concrete
// store, so the same logic runs on SQLite, Postgres, Redis, MongoDB or the
// in-memory mock used by the tests.
//
// CONCURRENCY:
// Neither service holds a lock. Per-record atomicity is the store's job;
// the services only decide which store operation to call.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/model"
	"github.com/sakif/opentrack/internal/repository"
)

// TrackingService handles registration and lookups of tracking records.
type TrackingService struct {
	repo   repository.TrackingRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewTrackingService creates a new TrackingService.
func NewTrackingService(repo repository.TrackingRepository, logger *slog.Logger) *TrackingService {
	return &TrackingService{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// validateEmailID enforces the rules shared by registration and recording.
// The id is used verbatim; surrounding whitespace is not stripped, it only
// disqualifies an id that is nothing but whitespace.
func validateEmailID(emailID string) error {
	if strings.TrimSpace(emailID) == "" {
		return apperror.ValidationFailed("emailId", "emailId is required")
	}
	if len(emailID) > model.MaxEmailIDLength {
		return apperror.ValidationFailed("emailId",
			fmt.Sprintf("emailId must be at most %d bytes", model.MaxEmailIDLength))
	}
	return nil
}

// Register creates an unopened record for emailID ahead of sending.
//
// Returns apperror.ErrConflict if the id is already known, whether from an
// earlier registration or from a pixel fetch that got there first. The
// existing record is left untouched in that case.
func (s *TrackingService) Register(ctx context.Context, emailID string) (*model.TrackingRecord, error) {
	if err := validateEmailID(emailID); err != nil {
		return nil, err
	}

	rec := model.NewRegisteredRecord(emailID, s.now().UTC())
	if err := s.repo.Create(ctx, rec); err != nil {
		if !isConflict(err) {
			s.logger.Error("failed to register email",
				slog.String("email_id", emailID),
				slog.String("error", err.Error()),
			)
		}
		return nil, fmt.Errorf("registering %s: %w", emailID, err)
	}

	s.logger.Info("email registered", slog.String("email_id", emailID))
	return rec, nil
}

// Status returns the summary for emailID, or apperror.ErrNotFound.
func (s *TrackingService) Status(ctx context.Context, emailID string) (*model.Status, error) {
	rec, err := s.find(ctx, emailID)
	if err != nil {
		return nil, err
	}
	status := rec.Status()
	return &status, nil
}

// History returns every open event for emailID in arrival order.
func (s *TrackingService) History(ctx context.Context, emailID string) (*model.History, error) {
	rec, err := s.find(ctx, emailID)
	if err != nil {
		return nil, err
	}
	history := rec.History()
	return &history, nil
}

func (s *TrackingService) find(ctx context.Context, emailID string) (*model.TrackingRecord, error) {
	if strings.TrimSpace(emailID) == "" {
		return nil, apperror.ValidationFailed("emailId", "emailId is required")
	}

	rec, err := s.repo.FindByEmailID(ctx, emailID)
	if err != nil {
		// NotFound is an ordinary answer; only log real store failures.
		if !isNotFound(err) {
			s.logger.Error("failed to load tracking record",
				slog.String("email_id", emailID),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	return rec, nil
}
