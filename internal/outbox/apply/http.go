// Package apply sends outbox jobs to an HTTP backend.
package apply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/irontracks/itsync/internal/outbox"
)

// IdempotencyHeader carries the job ID so the server can drop replays.
const IdempotencyHeader = "Idempotency-Key"

// maxBodyRead bounds how much of a response is inspected.
const maxBodyRead = 64 << 10

// HTTPApplier POSTs each job's payload to URL.
//
// A job succeeds on a 2xx response unless the body is a JSON object whose
// "ok" field is false. Every request is bounded by Timeout.
type HTTPApplier struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
	Header  http.Header
}

// New creates an HTTPApplier with a 30s per-request timeout.
func New(url string) *HTTPApplier {
	return &HTTPApplier{
		URL:     url,
		Timeout: 30 * time.Second,
		Client:  http.DefaultClient,
	}
}

type envelope struct {
	OK    *bool  `json:"ok"`
	Error string `json:"error"`
}

// Apply sends job. It satisfies syncer.ApplyFunc.
func (a *HTTPApplier) Apply(ctx context.Context, job outbox.Job) error {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range a.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, job.ID)
	req.Header.Set("X-Attempt", strconv.Itoa(job.Attempts+1))

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))

	var env envelope
	_ = json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if env.Error != "" {
			return fmt.Errorf("http_%d: %s", resp.StatusCode, env.Error)
		}
		return fmt.Errorf("http_%d", resp.StatusCode)
	}
	if env.OK != nil && !*env.OK {
		msg := strings.TrimSpace(env.Error)
		if msg == "" {
			msg = "rejected"
		}
		return fmt.Errorf("server: %s", msg)
	}
	return nil
}
