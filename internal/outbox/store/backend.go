// Package store provides the durable on-device persistence for the offline queue.
//
// Two interchangeable backends sit behind one Backend interface:
//
//   - SQLite (primary): transactional per-key object store, resilient to restarts.
//   - Flat (fallback): a flat string-keyed store, one file per key, used when the
//     primary backend cannot be opened.
//
// Backends return errors in the usual way. The Adapter wraps a Backend and turns
// every failure into a safe default (nil, false or an empty list) so that queue
// callers are never interrupted by storage trouble. Nothing outside this package
// branches on the backend type.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/irontracks/itsync/internal/outbox"
)

var (
	ErrNotFound      = errors.New("store: key not found")
	ErrCorrupt       = errors.New("store: stored value is corrupt")
	ErrQuotaExceeded = errors.New("store: quota exceeded")
	ErrEmptyKey      = errors.New("store: key must not be empty")
	ErrClosed        = errors.New("store: backend closed")
)

// Backend names reported by Backend.Name.
const (
	BackendSQLite = "sqlite"
	BackendFlat   = "flat"
	BackendAuto   = "auto"
)

// Backend is implemented by each persistence strategy.
//
// PutJob and DeleteJob must be atomic with respect to concurrent reads of the
// same key: a reader sees either the previous or the new job, never a partial one.
type Backend interface {
	// Name identifies the strategy (BackendSQLite or BackendFlat).
	Name() string

	// GetKV returns the raw JSON stored under key, or ErrNotFound.
	GetKV(ctx context.Context, key string) (json.RawMessage, error)

	// SetKV stores raw JSON under key, replacing any previous value.
	SetKV(ctx context.Context, key string, value json.RawMessage) error

	// PutJob upserts job keyed by job.ID.
	PutJob(ctx context.Context, job outbox.Job) error

	// DeleteJob removes the job with the given ID. Deleting a missing job is not an error.
	DeleteJob(ctx context.Context, id string) error

	// ListJobs returns every stored job. Ordering is backend-specific.
	ListJobs(ctx context.Context) ([]outbox.Job, error)

	Close() error
}
