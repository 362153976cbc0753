// Package model defines the data structures used throughout the application.
//
// A TrackingRecord is the per-email aggregate: one per email id, created
// either by registration (unopened, no events) or by the first pixel fetch
// of an unseen id (opened, one event). Records are only ever mutated by
// appending OpenEvents.
package model

import "time"

// MaxEmailIDLength bounds the caller-supplied correlation key. It is
// enforced by registration and by the open recorder before any store call.
const MaxEmailIDLength = 256

// OpenEvent is one observed fetch of the tracking pixel.
//
// OriginAddress may be a mail proxy rather than the recipient, and
// ClientString is whatever User-Agent the client sent (possibly empty).
type OpenEvent struct {
	ID            string    `json:"id,omitempty" bson:"id"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	OriginAddress string    `json:"originAddress" bson:"originAddress"`
	ClientString  string    `json:"clientString" bson:"clientString"`
}

// TrackingRecord is the durable state for a single email id.
//
// INVARIANTS:
//   - Opened never goes from true back to false.
//   - FirstOpenedAt is non-nil iff Opened, and is set exactly once.
//   - len(Opens) >= 1 whenever Opened.
//   - Opens is in store-arrival order.
type TrackingRecord struct {
	EmailID       string      `json:"emailId" bson:"emailId"`
	SentAt        time.Time   `json:"sentAt" bson:"sentAt"`
	Opened        bool        `json:"opened" bson:"opened"`
	FirstOpenedAt *time.Time  `json:"firstOpenedAt,omitempty" bson:"firstOpenedAt,omitempty"`
	Opens         []OpenEvent `json:"opens" bson:"opens"`
}

// NewRegisteredRecord builds the record created ahead of sending an email.
func NewRegisteredRecord(emailID string, now time.Time) *TrackingRecord {
	return &TrackingRecord{
		EmailID: emailID,
		SentAt:  now,
		Opens:   []OpenEvent{},
	}
}

// NewOpenedRecord builds the record created implicitly when the pixel of
// a never-registered email is fetched.
func NewOpenedRecord(emailID string, ev OpenEvent) *TrackingRecord {
	first := ev.Timestamp
	return &TrackingRecord{
		EmailID:       emailID,
		SentAt:        ev.Timestamp,
		Opened:        true,
		FirstOpenedAt: &first,
		Opens:         []OpenEvent{ev},
	}
}

// Status is the summary projection served by GET /api/status/{emailId}.
type Status struct {
	EmailID   string     `json:"emailId"`
	Opened    bool       `json:"opened"`
	OpenedAt  *time.Time `json:"openedAt"`
	OpenCount int        `json:"openCount"`
}

// History is the full event list served by GET /api/opens/{emailId}.
type History struct {
	EmailID string      `json:"emailId"`
	Opens   []OpenEvent `json:"opens"`
}

func (r *TrackingRecord) Status() Status {
	return Status{
		EmailID:   r.EmailID,
		Opened:    r.Opened,
		OpenedAt:  r.FirstOpenedAt,
		OpenCount: len(r.Opens),
	}
}

// History returns the event list; never nil, so it encodes as [] rather
// than null for a registered, never-opened record.
func (r *TrackingRecord) History() History {
	opens := r.Opens
	if opens == nil {
		opens = []OpenEvent{}
	}
	return History{
		EmailID: r.EmailID,
		Opens:   opens,
	}
}

// ApplyOpen appends ev and, on the first event, marks the record opened.
// Stores that mutate a decoded document (redis) call this inside their
// compare-and-swap; SQL stores express the same rule in their UPDATE.
func (r *TrackingRecord) ApplyOpen(ev OpenEvent) {
	r.Opens = append(r.Opens, ev)
	if !r.Opened {
		first := ev.Timestamp
		r.Opened = true
		r.FirstOpenedAt = &first
	}
}
