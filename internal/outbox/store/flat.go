package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/irontracks/itsync/internal/outbox"
)

// Key layout inside the flat store.
const (
	flatKVPrefix  = "it.kv."
	flatQueueKey  = "it.queue.v1"
	flatItemExt   = ".item"
	flatTmpSuffix = ".tmp"
)

// FlatBackend is the fallback backend: a flat string-keyed store where each key
// is one file in dir. Small values live under "it.kv.<key>"; the whole job set is
// one JSON array under "it.queue.v1", so insertion order is preserved.
//
// Each item is replaced with a temp file and rename, which keeps single-key
// writes atomic for readers. A mutex serialises read-modify-write cycles on the
// queue item within the process.
type FlatBackend struct {
	dir   string
	quota int64

	mu     sync.Mutex
	closed bool
}

var _ Backend = (*FlatBackend)(nil)

// OpenFlat opens (creating if needed) a flat store rooted at dir.
// quota limits the total bytes across all items; zero means unlimited.
func OpenFlat(dir string, quota int64) (*FlatBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("flat store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create flat store directory: %w", err)
	}
	return &FlatBackend{dir: dir, quota: quota}, nil
}

// Name implements Backend.
func (b *FlatBackend) Name() string { return BackendFlat }

// Dir returns the directory holding the items.
func (b *FlatBackend) Dir() string { return b.dir }

func (b *FlatBackend) itemPath(key string) string {
	return filepath.Join(b.dir, url.QueryEscape(key)+flatItemExt)
}

// getItem returns the raw string stored under key.
func (b *FlatBackend) getItem(key string) (string, bool, error) {
	data, err := os.ReadFile(b.itemPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read item %s: %w", key, err)
	}
	return string(data), true, nil
}

// setItem replaces the value stored under key.
func (b *FlatBackend) setItem(key, value string) error {
	if err := b.checkQuota(key, int64(len(value))); err != nil {
		return err
	}

	path := b.itemPath(key)
	tmp := path + flatTmpSuffix
	if err := os.WriteFile(tmp, []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write item %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit item %s: %w", key, err)
	}
	return nil
}

// checkQuota fails when replacing key with size bytes would exceed the quota.
func (b *FlatBackend) checkQuota(key string, size int64) error {
	if b.quota <= 0 {
		return nil
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("failed to read flat store directory: %w", err)
	}

	own := filepath.Base(b.itemPath(key))
	total := size
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == own || !strings.HasSuffix(entry.Name(), flatItemExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}

	if total > b.quota {
		return fmt.Errorf("%w: %d bytes needed, %d allowed", ErrQuotaExceeded, total, b.quota)
	}
	return nil
}

// GetKV implements Backend.
func (b *FlatBackend) GetKV(ctx context.Context, key string) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	raw, ok, err := b.getItem(flatKVPrefix + key)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, ErrNotFound
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("key %s: %w", key, ErrCorrupt)
	}
	return json.RawMessage(raw), nil
}

// SetKV implements Backend.
func (b *FlatBackend) SetKV(ctx context.Context, key string, value json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return b.setItem(flatKVPrefix+key, string(value))
}

// readQueue decodes the job array. A missing item is an empty queue.
func (b *FlatBackend) readQueue() ([]outbox.Job, error) {
	raw, ok, err := b.getItem(flatQueueKey)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []outbox.Job{}, nil
	}

	var jobs []outbox.Job
	if err := json.Unmarshal([]byte(raw), &jobs); err != nil {
		return nil, fmt.Errorf("queue: %w: %v", ErrCorrupt, err)
	}
	if jobs == nil {
		jobs = []outbox.Job{}
	}
	return jobs, nil
}

func (b *FlatBackend) writeQueue(jobs []outbox.Job) error {
	data, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	return b.setItem(flatQueueKey, string(data))
}

func withoutJob(jobs []outbox.Job, id string) []outbox.Job {
	next := make([]outbox.Job, 0, len(jobs)+1)
	for _, j := range jobs {
		if j.ID != id {
			next = append(next, j)
		}
	}
	return next
}

// PutJob implements Backend. An existing job with the same ID is replaced in
// place, so a job keeps its insertion position across retries.
func (b *FlatBackend) PutJob(ctx context.Context, job outbox.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	jobs, err := b.readQueue()
	if err != nil {
		return err
	}
	for i := range jobs {
		if jobs[i].ID == job.ID {
			jobs[i] = job
			return b.writeQueue(jobs)
		}
	}
	return b.writeQueue(append(jobs, job))
}

// DeleteJob implements Backend.
func (b *FlatBackend) DeleteJob(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	jobs, err := b.readQueue()
	if err != nil {
		return err
	}
	return b.writeQueue(withoutJob(jobs, id))
}

// ListJobs implements Backend. Jobs come back in insertion order.
func (b *FlatBackend) ListJobs(ctx context.Context) ([]outbox.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.readQueue()
}

// Close implements Backend.
func (b *FlatBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
