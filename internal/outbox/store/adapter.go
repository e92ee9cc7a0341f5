package store

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"

	"github.com/irontracks/itsync/internal/outbox"
)

// Store is the surface the queue manager and sync engine depend on.
// *Adapter implements it; tests may substitute their own.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value any) bool
	JobPut(ctx context.Context, job outbox.Job) bool
	JobDelete(ctx context.Context, id string) bool
	JobListAll(ctx context.Context) []outbox.Job
}

var _ Store = (*Adapter)(nil)

// Adapter presents one never-failing interface over a Backend.
//
// Every error from the backend is logged and degraded to a safe default:
// nil/false for reads, false for writes and an empty list for scans.
type Adapter struct {
	backend Backend
	logger  *log.Logger
}

// NewAdapter wraps backend. If logger is nil, a default logger writing to
// stderr is used.
func NewAdapter(backend Backend, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Adapter{backend: backend, logger: logger}
}

// Backend returns the name of the active strategy.
func (a *Adapter) Backend() string {
	return a.backend.Name()
}

// Get returns the value stored under key. Missing or corrupt values
// return (nil, false).
func (a *Adapter) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	raw, err := a.backend.GetKV(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.logger.Printf("Warning: get %q failed on %s: %v", key, a.backend.Name(), err)
		}
		return nil, false
	}
	return raw, true
}

// Set stores value (JSON-encoded) under key and reports whether the write succeeded.
func (a *Adapter) Set(ctx context.Context, key string, value any) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		a.logger.Printf("Warning: cannot encode value for %q: %v", key, err)
		return false
	}
	if err := a.backend.SetKV(ctx, key, data); err != nil {
		a.logger.Printf("Warning: set %q failed on %s: %v", key, a.backend.Name(), err)
		return false
	}
	return true
}

// JobPut upserts job keyed by its ID.
func (a *Adapter) JobPut(ctx context.Context, job outbox.Job) bool {
	job.ID = strings.TrimSpace(job.ID)
	if err := job.Validate(); err != nil {
		a.logger.Printf("Warning: refusing to store invalid job %q: %v", job.ID, err)
		return false
	}
	if err := a.backend.PutJob(ctx, job); err != nil {
		a.logger.Printf("Warning: put job %s failed on %s: %v", job.ID, a.backend.Name(), err)
		return false
	}
	return true
}

// JobDelete removes the job with the given ID.
func (a *Adapter) JobDelete(ctx context.Context, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if err := a.backend.DeleteJob(ctx, id); err != nil {
		a.logger.Printf("Warning: delete job %s failed on %s: %v", id, a.backend.Name(), err)
		return false
	}
	return true
}

// JobListAll returns every stored job. Callers must not depend on ordering.
func (a *Adapter) JobListAll(ctx context.Context) []outbox.Job {
	jobs, err := a.backend.ListJobs(ctx)
	if err != nil {
		a.logger.Printf("Warning: list jobs failed on %s: %v", a.backend.Name(), err)
		return []outbox.Job{}
	}
	if jobs == nil {
		return []outbox.Job{}
	}
	return jobs
}

// Close releases the backend.
func (a *Adapter) Close() error {
	return a.backend.Close()
}
