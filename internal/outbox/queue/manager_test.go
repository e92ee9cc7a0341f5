package queue

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupManager(t *testing.T, opts ...Option) (*Manager, *store.Adapter, *fakeClock) {
	t.Helper()

	backend, err := store.OpenSQLite(filepath.Join(t.TempDir(), store.SQLiteFile))
	require.NoError(t, err)
	adapter := store.NewAdapter(backend, log.New(io.Discard, "", 0))
	t.Cleanup(func() { _ = adapter.Close() })

	clock := &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now), WithLogger(log.New(io.Discard, "", 0))}, opts...)
	return New(adapter, opts...), adapter, clock
}

func TestEnqueue_StoresFreshJob(t *testing.T) {
	ctx := context.Background()
	m, adapter, clock := setupManager(t)

	require.NoError(t, m.Enqueue(ctx, "set-1", json.RawMessage(`{"reps":8}`)))

	jobs := adapter.JobListAll(ctx)
	require.Len(t, jobs, 1)
	assert.Equal(t, "set-1", jobs[0].ID)
	assert.Equal(t, 0, jobs[0].Attempts)
	assert.True(t, jobs[0].CreatedAt.Equal(clock.Now()))
	assert.True(t, jobs[0].NextAttemptAt.Equal(clock.Now()))
	assert.JSONEq(t, `{"reps":8}`, string(jobs[0].Payload))
}

func TestEnqueue_IdempotentByID(t *testing.T) {
	ctx := context.Background()
	m, adapter, clock := setupManager(t)

	require.NoError(t, m.Enqueue(ctx, "x", json.RawMessage(`"first"`)))

	// Simulate a prior failed attempt.
	jobs := adapter.JobListAll(ctx)
	require.Len(t, jobs, 1)
	failed := jobs[0]
	failed.Attempts = 3
	failed.LastError = "503"
	failed.NextAttemptAt = clock.Now().Add(time.Hour)
	require.True(t, adapter.JobPut(ctx, failed))

	clock.Advance(time.Minute)
	require.NoError(t, m.Enqueue(ctx, "x", json.RawMessage(`"second"`)))

	jobs = adapter.JobListAll(ctx)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `"second"`, string(jobs[0].Payload))
	assert.Equal(t, 0, jobs[0].Attempts, "re-enqueue resets attempt history")
	assert.Empty(t, jobs[0].LastError)
	assert.True(t, jobs[0].IsDue(clock.Now()))
}

func TestEnqueue_Validation(t *testing.T) {
	ctx := context.Background()
	m, adapter, _ := setupManager(t)

	tests := []struct {
		name    string
		id      string
		payload json.RawMessage
		wantErr error
	}{
		{name: "empty id", id: "", payload: json.RawMessage(`1`), wantErr: outbox.ErrEmptyJobID},
		{name: "blank id", id: "   ", payload: json.RawMessage(`1`), wantErr: outbox.ErrEmptyJobID},
		{name: "invalid payload", id: "a", payload: json.RawMessage(`{`), wantErr: outbox.ErrInvalidPayload},
		{name: "nil payload", id: "b", payload: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Enqueue(ctx, tt.id, tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	jobs := adapter.JobListAll(ctx)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ID)
	assert.Equal(t, "null", string(jobs[0].Payload))
}

func TestEnqueue_Notifies(t *testing.T) {
	ctx := context.Background()
	n := outbox.NewNotifier()
	m, _, _ := setupManager(t, WithNotifier(n))

	ch, cancel := n.Subscribe()
	defer cancel()

	require.NoError(t, m.Enqueue(ctx, "a", nil))
	select {
	case <-ch:
	default:
		t.Fatal("expected queue-changed notification")
	}

	// Validation failures change nothing and stay silent.
	_ = m.Enqueue(ctx, "", nil)
	select {
	case <-ch:
		t.Fatal("unexpected notification")
	default:
	}
}

func TestEnqueueValue(t *testing.T) {
	ctx := context.Background()
	m, adapter, _ := setupManager(t)

	require.NoError(t, m.EnqueueValue(ctx, "w1", map[string]int{"weight": 100}))
	assert.Error(t, m.EnqueueValue(ctx, "w2", make(chan int)))

	jobs := adapter.JobListAll(ctx)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `{"weight":100}`, string(jobs[0].Payload))
}

func TestSummaryAndPendingCount(t *testing.T) {
	ctx := context.Background()
	m, adapter, clock := setupManager(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Enqueue(ctx, id, nil))
	}

	backoff := outbox.NewJob("d", nil, clock.Now())
	backoff.Attempts = 1
	backoff.NextAttemptAt = clock.Now().Add(30 * time.Second)
	require.True(t, adapter.JobPut(ctx, backoff))

	sum := m.Summary(ctx, true)
	assert.True(t, sum.Online)
	assert.Equal(t, 4, sum.Pending)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, sum.Due)
	require.NotNil(t, sum.NextDueAt)
	assert.True(t, sum.NextDueAt.Equal(backoff.NextAttemptAt))

	assert.Equal(t, 4, m.PendingCount(ctx))

	clock.Advance(time.Minute)
	sum = m.Summary(ctx, false)
	assert.False(t, sum.Online)
	assert.Equal(t, 4, sum.Due)
	assert.Nil(t, sum.NextDueAt)
}

func TestListAndDueBy(t *testing.T) {
	ctx := context.Background()
	m, adapter, clock := setupManager(t)

	require.NoError(t, m.Enqueue(ctx, "second", nil))
	clock.Advance(time.Second)
	require.NoError(t, m.Enqueue(ctx, "third", nil))

	first := outbox.NewJob("first", nil, clock.Now().Add(-time.Hour))
	first.Attempts = 2
	first.NextAttemptAt = clock.Now().Add(10 * time.Minute)
	require.True(t, adapter.JobPut(ctx, first))

	var ids []string
	for _, j := range m.List(ctx) {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"first", "second", "third"}, ids)

	assert.Len(t, m.DueBy(ctx, clock.Now()), 2)
	assert.Len(t, m.DueBy(ctx, clock.Now().Add(10*time.Minute)), 3)
}
