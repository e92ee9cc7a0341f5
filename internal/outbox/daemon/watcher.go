package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/irontracks/itsync/internal/outbox/store"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// StoreEvent is a change to one of the store's files.
type StoreEvent struct {
	Path string
	Op   EventOp
}

// QueueWatcher watches store directories for writes made by any process.
type QueueWatcher struct {
	watcher *fsnotify.Watcher
	events  chan StoreEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewQueueWatcher creates a QueueWatcher. It emits nothing until Start.
func NewQueueWatcher() (*QueueWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &QueueWatcher{
		watcher: watcher,
		events:  make(chan StoreEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dirs.
func (qw *QueueWatcher) Start(dirs ...string) error {
	qw.mu.Lock()
	defer qw.mu.Unlock()

	if qw.running {
		return fmt.Errorf("watcher already running")
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no directories to watch")
	}

	for i, dir := range dirs {
		if err := qw.watcher.Add(dir); err != nil {
			for _, added := range dirs[:i] {
				_ = qw.watcher.Remove(added)
			}
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	qw.running = true
	qw.wg.Add(1)
	go qw.processEvents()

	return nil
}

// Stop stops watching and closes the Events and Errors channels.
// It blocks until the event goroutine has exited.
func (qw *QueueWatcher) Stop() error {
	qw.mu.Lock()
	if !qw.running {
		qw.mu.Unlock()
		return qw.watcher.Close()
	}
	qw.running = false
	qw.mu.Unlock()

	close(qw.done)

	if err := qw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	qw.wg.Wait()

	close(qw.events)
	close(qw.errors)

	return nil
}

// Events returns the channel of store changes.
func (qw *QueueWatcher) Events() <-chan StoreEvent {
	return qw.events
}

// Errors returns the channel of watcher errors.
func (qw *QueueWatcher) Errors() <-chan error {
	return qw.errors
}

// IsRunning returns true if the watcher is currently running.
func (qw *QueueWatcher) IsRunning() bool {
	qw.mu.Lock()
	defer qw.mu.Unlock()
	return qw.running
}

func (qw *QueueWatcher) processEvents() {
	defer qw.wg.Done()

	for {
		select {
		case <-qw.done:
			return

		case event, ok := <-qw.watcher.Events:
			if !ok {
				return
			}

			if storeEvent, ok := convertEvent(event); ok {
				select {
				case qw.events <- storeEvent:
				case <-qw.done:
					return
				}
			}

		case err, ok := <-qw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case qw.errors <- err:
			case <-qw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event onto a StoreEvent, dropping events for
// files that never carry queue state.
func convertEvent(event fsnotify.Event) (StoreEvent, bool) {
	if !isStoreFile(event.Name) {
		return StoreEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return StoreEvent{}, false
	}

	return StoreEvent{Path: event.Name, Op: op}, true
}

// isStoreFile matches flat items and the SQLite database and WAL files.
// Temp files and the shared-memory index are ignored.
func isStoreFile(path string) bool {
	name := filepath.Base(path)
	switch {
	case strings.HasSuffix(name, ".tmp"), strings.HasSuffix(name, "-shm"):
		return false
	case strings.HasSuffix(name, ".item"):
		return true
	case strings.HasPrefix(name, store.SQLiteFile):
		return true
	default:
		return false
	}
}
