// Package migrate moves the outbox job set in and out of JSONL files, for
// backups and for carrying a queue to another device or data directory.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/store"
)

// ImportOptions contains configuration for an import
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Preview without writing
	Overwrite bool   // Replace jobs whose ID is already queued
	BackupDir string // If set, export the current queue here first
}

// ImportResult contains statistics about an import
type ImportResult struct {
	JobsRead      int
	JobsImported  int
	JobsSkipped   int
	BackupCreated string
	Errors        []string
}

// Export writes every stored job to w as JSONL, oldest first.
func Export(ctx context.Context, s store.Store, w io.Writer) (int, error) {
	jobs := s.JobListAll(ctx)
	outbox.SortByCreated(jobs)

	enc := json.NewEncoder(w)
	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			return 0, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
		}
	}
	return len(jobs), nil
}

// ExportFile writes the job set to path atomically via a temp file.
func ExportFile(ctx context.Context, s store.Store, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	n, err := Export(ctx, s, w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ReadJSONL parses jobs from r, validating each one.
func ReadJSONL(r io.Reader) ([]outbox.Job, error) {
	var jobs []outbox.Job
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var job outbox.Job
		if err := decoder.Decode(&job); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		job.ID = strings.TrimSpace(job.ID)
		if job.NextAttemptAt.IsZero() {
			job.NextAttemptAt = job.CreatedAt
		}
		if job.UpdatedAt.IsZero() {
			job.UpdatedAt = job.CreatedAt
		}
		if len(job.Payload) == 0 {
			job.Payload = json.RawMessage("null")
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", lineNum, err)
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// FromJSONL reads and validates a JSONL export file.
func FromJSONL(path string) ([]outbox.Job, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file)
}

// Import restores jobs from a JSONL export, keeping their attempt history.
//
// Jobs whose ID is already queued are skipped unless Overwrite is set. The
// file is parsed completely before anything is written, so a malformed file
// leaves the queue untouched.
func Import(ctx context.Context, s store.Store, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	jobs, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.JobsRead = len(jobs)

	if opts.BackupDir != "" && !opts.DryRun {
		backupPath := filepath.Join(opts.BackupDir, "outbox.backup."+time.Now().Format("20060102-150405")+".jsonl")
		if _, err := ExportFile(ctx, s, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	existing := make(map[string]bool)
	for _, j := range s.JobListAll(ctx) {
		existing[j.ID] = true
	}

	for _, job := range jobs {
		if existing[job.ID] && !opts.Overwrite {
			result.JobsSkipped++
			continue
		}
		if !opts.DryRun {
			if !s.JobPut(ctx, job) {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to store job %s", job.ID))
				continue
			}
		}
		existing[job.ID] = true
		result.JobsImported++
	}

	return result, nil
}
