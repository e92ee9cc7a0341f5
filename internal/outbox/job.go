// Package outbox defines the records shared by the offline action queue:
// the Job stored on-device, the derived queue Summary, and the Notifier
// used to tell observers that the queue contents changed.
//
// The queue never interprets a job's payload. Application code serializes
// whatever it needs to replay the action (for example "log this set") and
// supplies an apply function that knows how to send it to the backend.
package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Job is one deferred, replayable user action awaiting application to the backend.
//
// A Job is created by enqueue, mutated only by the sync engine (Attempts,
// NextAttemptAt, LastError, UpdatedAt) and deleted exactly once, by the sync
// engine, after a confirmed-successful apply.
type Job struct {
	// ID is caller-supplied and stable. Re-enqueuing an existing ID replaces
	// the stored job.
	ID string `json:"id"`

	// Payload is opaque to the queue.
	Payload json.RawMessage `json:"payload"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Attempts counts failed apply attempts so far.
	Attempts int `json:"attempts"`

	// NextAttemptAt is when the job becomes eligible again.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	LastError string `json:"last_error,omitempty"`
}

// Validate checks if the Job has valid field values.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return ErrEmptyJobID
	}
	if j.Attempts < 0 {
		return fmt.Errorf("%w (got %d)", ErrNegativeAttempts, j.Attempts)
	}
	if j.CreatedAt.IsZero() {
		return ErrZeroCreatedAt
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return ErrInvalidPayload
	}
	return nil
}

// IsDue reports whether the job is eligible for the next flush.
func (j *Job) IsDue(now time.Time) bool {
	return !j.NextAttemptAt.After(now)
}

// Failed reports whether at least one apply attempt has failed.
// A failed job may still become due again later.
func (j *Job) Failed() bool {
	return j.Attempts > 0
}

// NewJob builds a fresh job: zero attempts, due immediately.
func NewJob(id string, payload json.RawMessage, now time.Time) Job {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Job{
		ID:            id,
		Payload:       payload,
		CreatedAt:     now,
		UpdatedAt:     now,
		Attempts:      0,
		NextAttemptAt: now,
	}
}
