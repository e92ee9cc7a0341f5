package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/flags"
	"github.com/irontracks/itsync/internal/outbox/syncer"
)

// fakeQueue is a Queue with a settable summary.
type fakeQueue struct {
	mu  sync.Mutex
	sum outbox.Summary
}

func (q *fakeQueue) set(sum outbox.Summary) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sum = sum
}

func (q *fakeQueue) Summary(_ context.Context, online bool) outbox.Summary {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.sum
	s.Online = online
	return s
}

func (q *fakeQueue) PendingCount(context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sum.Pending
}

// fakeEngine counts flushes made while online.
type fakeEngine struct {
	queue   *fakeQueue
	online  atomic.Bool
	flushes atomic.Int32
}

func newFakeEngine(q *fakeQueue, online bool) *fakeEngine {
	e := &fakeEngine{queue: q}
	e.online.Store(online)
	return e
}

func (e *fakeEngine) IsOnline() bool { return e.online.Load() }

func (e *fakeEngine) Flush(ctx context.Context, _ syncer.FlushOptions) syncer.Result {
	if !e.online.Load() {
		return syncer.Result{Offline: true}
	}
	e.flushes.Add(1)
	return syncer.Result{Summary: e.queue.Summary(ctx, true)}
}

// recordingObserver collects observer callbacks.
type recordingObserver struct {
	mu      sync.Mutex
	changes []outbox.Summary
	flushes []syncer.Result
}

func (o *recordingObserver) QueueChanged(sum outbox.Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, sum)
}

func (o *recordingObserver) FlushCompleted(res syncer.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes = append(o.flushes, res)
}

func (o *recordingObserver) changeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.changes)
}

var enabled = flags.Static{OfflineSyncV2: true}

func testConfig() *Config {
	return &Config{
		FlushInterval:    20 * time.Millisecond,
		ProbeInterval:    10 * time.Millisecond,
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

// startDaemon runs d in the background and stops it when the test ends.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestNewWithConfig(t *testing.T) {
	q := &fakeQueue{}
	e := newFakeEngine(q, true)

	tests := []struct {
		name    string
		engine  Flusher
		queue   Queue
		gate    flags.Source
		wantErr bool
	}{
		{name: "valid", engine: e, queue: q, gate: enabled},
		{name: "nil engine", engine: nil, queue: q, gate: enabled, wantErr: true},
		{name: "nil queue", engine: e, queue: nil, gate: enabled, wantErr: true},
		{name: "nil gate", engine: e, queue: q, gate: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.engine, tt.queue, tt.gate, &Config{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWithConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if d.config.FlushInterval != 15*time.Second {
				t.Errorf("FlushInterval = %v, want default 15s", d.config.FlushInterval)
			}
			if d.config.Logger == nil {
				t.Error("Logger not defaulted")
			}
		})
	}
}

func TestStatus_GateFallback(t *testing.T) {
	ctx := context.Background()
	next := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := &fakeQueue{sum: outbox.Summary{Pending: 5, Failed: 2, Due: 3, NextDueAt: &next}}

	tests := []struct {
		name string
		gate flags.Flags
		want outbox.Summary
	}{
		{
			name: "enabled",
			gate: flags.Flags{OfflineSyncV2: true},
			want: outbox.Summary{Online: true, Pending: 5, Failed: 2, Due: 3, NextDueAt: &next},
		},
		{
			name: "toggle off",
			gate: flags.Flags{},
			want: outbox.Summary{Online: true, Pending: 5},
		},
		{
			name: "kill switch",
			gate: flags.Flags{KillSwitch: true, OfflineSyncV2: true},
			want: outbox.Summary{Online: true, Pending: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Status(ctx, q, flags.Static(tt.gate), true)
			if got.Online != tt.want.Online || got.Pending != tt.want.Pending ||
				got.Failed != tt.want.Failed || got.Due != tt.want.Due {
				t.Errorf("Status() = %+v, want %+v", got, tt.want)
			}
			if (got.NextDueAt == nil) != (tt.want.NextDueAt == nil) {
				t.Errorf("NextDueAt = %v, want %v", got.NextDueAt, tt.want.NextDueAt)
			}
		})
	}

	if got := Status(ctx, q, nil, false); got.Pending != 5 || got.Due != 0 || got.Online {
		t.Errorf("Status() with nil gate = %+v, want degraded offline summary", got)
	}
}

func TestDaemon_FlushOnStart(t *testing.T) {
	q := &fakeQueue{}
	e := newFakeEngine(q, true)

	d, err := NewWithConfig(e, q, enabled, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "start flush", func() bool { return e.flushes.Load() >= 1 })
}

func TestDaemon_KillSwitchKeepsFlushing(t *testing.T) {
	q := &fakeQueue{sum: outbox.Summary{Pending: 3, Failed: 1, Due: 3}}
	e := newFakeEngine(q, false)

	d, err := NewWithConfig(e, q, flags.Static{KillSwitch: true, OfflineSyncV2: true}, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	startDaemon(t, d)

	e.online.Store(true)
	waitFor(t, "flush after reconnect", func() bool { return e.flushes.Load() >= 1 })

	before := e.flushes.Load()
	d.Trigger(TriggerVisible)
	waitFor(t, "flush on visible", func() bool { return e.flushes.Load() > before })

	got := d.Status(context.Background())
	want := outbox.Summary{Online: true, Pending: 3}
	if got != want {
		t.Errorf("Status() = %+v, want degraded %+v", got, want)
	}
}

func TestDaemon_FlagsChangeRepublishesStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.toml")
	if err := os.WriteFile(path, []byte("offline_sync_v2 = true\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	src := flags.NewFileSource(path, nil, flags.Flags{}, log.New(io.Discard, "", 0))
	src.Load(context.Background())

	q := &fakeQueue{sum: outbox.Summary{Pending: 2, Failed: 2}}
	e := newFakeEngine(q, true)
	d, err := NewWithConfig(e, q, src, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	obs := &recordingObserver{}
	d.AddObserver(obs)
	startDaemon(t, d)
	waitFor(t, "start flush", func() bool { return e.flushes.Load() >= 1 })

	if err := os.WriteFile(path, []byte("kill_switch = true\noffline_sync_v2 = true\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	src.Load(context.Background())

	waitFor(t, "degraded status published", func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		for _, sum := range obs.changes {
			if sum.Pending == 2 && sum.Failed == 0 {
				return true
			}
		}
		return false
	})
}

func TestDaemon_TimerOnlyWhilePending(t *testing.T) {
	q := &fakeQueue{}
	e := newFakeEngine(q, true)

	d, err := NewWithConfig(e, q, enabled, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "start flush", func() bool { return e.flushes.Load() >= 1 })
	time.Sleep(80 * time.Millisecond)
	if d.TimerArmed() {
		t.Fatal("timer armed with an empty queue")
	}
	idle := e.flushes.Load()
	time.Sleep(80 * time.Millisecond)
	if n := e.flushes.Load(); n != idle {
		t.Errorf("flushes grew from %d to %d with an empty queue", idle, n)
	}

	// Jobs waiting on backoff: nothing due, but the timer keeps retrying.
	q.set(outbox.Summary{Pending: 2, Failed: 2})
	d.updateTimer(2)
	waitFor(t, "timer armed", d.TimerArmed)
	before := e.flushes.Load()
	waitFor(t, "timer flushes", func() bool { return e.flushes.Load() >= before+2 })

	// Queue drained: the next flush reports zero pending and disarms the timer.
	q.set(outbox.Summary{})
	waitFor(t, "timer disarmed", func() bool { return !d.TimerArmed() })
}

func TestDaemon_FlushOnReconnect(t *testing.T) {
	q := &fakeQueue{}
	e := newFakeEngine(q, false)

	d, err := NewWithConfig(e, q, enabled, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	startDaemon(t, d)

	time.Sleep(50 * time.Millisecond)
	if n := e.flushes.Load(); n != 0 {
		t.Fatalf("flushes = %d while offline, want 0", n)
	}

	e.online.Store(true)
	waitFor(t, "flush after reconnect", func() bool { return e.flushes.Load() >= 1 })
}

func TestDaemon_QueueChangeNotifies(t *testing.T) {
	q := &fakeQueue{}
	e := newFakeEngine(q, true)
	n := outbox.NewNotifier()

	cfg := testConfig()
	cfg.Notifier = n
	d, err := NewWithConfig(e, q, enabled, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	obs := &recordingObserver{}
	d.AddObserver(obs)
	startDaemon(t, d)

	waitFor(t, "start flush", func() bool { return e.flushes.Load() >= 1 })
	waitFor(t, "notifier subscription", func() bool { return n.Subscribers() == 1 })

	before := e.flushes.Load()
	q.set(outbox.Summary{Pending: 1, Due: 1})
	n.Notify()

	waitFor(t, "observer notified", func() bool { return obs.changeCount() >= 1 })
	waitFor(t, "flush for due job", func() bool { return e.flushes.Load() > before })

	obs.mu.Lock()
	got := obs.changes[0]
	obs.mu.Unlock()
	if got.Pending != 1 || !got.Online {
		t.Errorf("QueueChanged summary = %+v, want pending=1 online", got)
	}
}

func TestDaemon_StuckDueJobDoesNotRetriggerOnChanges(t *testing.T) {
	q := &fakeQueue{sum: outbox.Summary{Pending: 1, Due: 1}}
	e := newFakeEngine(q, true)
	n := outbox.NewNotifier()

	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	cfg.Notifier = n
	d, err := NewWithConfig(e, q, enabled, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	obs := &recordingObserver{}
	d.AddObserver(obs)
	startDaemon(t, d)

	waitFor(t, "start flush", func() bool { return e.flushes.Load() == 1 })
	waitFor(t, "notifier subscription", func() bool { return n.Subscribers() == 1 })

	// The job is still due after the flush, as when its delete failed. Store
	// writes made by the flush must not flush it again.
	for i := 0; i < 5; i++ {
		n.Notify()
		time.Sleep(30 * time.Millisecond)
	}
	waitFor(t, "observer notified", func() bool { return obs.changeCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := e.flushes.Load(); got != 1 {
		t.Fatalf("flushes = %d, want 1", got)
	}

	// A newly enqueued job still triggers a flush.
	q.set(outbox.Summary{Pending: 2, Due: 2})
	n.Notify()
	waitFor(t, "flush for new job", func() bool { return e.flushes.Load() == 2 })
}

func TestDaemon_WatchesStoreDir(t *testing.T) {
	dir := t.TempDir()
	q := &fakeQueue{}
	e := newFakeEngine(q, true)

	cfg := testConfig()
	cfg.WatchDirs = []string{dir}
	d, err := NewWithConfig(e, q, enabled, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	obs := &recordingObserver{}
	d.AddObserver(obs)
	startDaemon(t, d)

	waitFor(t, "start flush", func() bool { return e.flushes.Load() >= 1 })

	// Another process enqueues through the flat store.
	q.set(outbox.Summary{Pending: 1, Due: 1})
	if err := os.WriteFile(filepath.Join(dir, "it.queue.v1.item"), []byte("[]"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	waitFor(t, "observer notified", func() bool { return obs.changeCount() >= 1 })
}

func TestDaemon_TriggerCoalesces(t *testing.T) {
	q := &fakeQueue{}
	e := newFakeEngine(q, true)

	d, err := NewWithConfig(e, q, enabled, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}

	// Not started: the first trigger fills the slot, the rest are dropped.
	for i := 0; i < 10; i++ {
		d.Trigger(TriggerVisible)
	}
	if got := len(d.triggers); got != 1 {
		t.Errorf("pending triggers = %d, want 1", got)
	}
}
