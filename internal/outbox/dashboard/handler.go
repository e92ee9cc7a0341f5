package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/syncer"
)

// FlushCompleteData contains the outcome of one flush
type FlushCompleteData struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Duration  time.Duration `json:"duration"`
}

// Handler turns daemon events into dashboard messages.
// It satisfies the daemon's Observer interface.
type Handler struct {
	server *Server
	logger *log.Logger

	mu      sync.Mutex
	last    outbox.Summary
	flushes int
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// QueueChanged broadcasts a fresh summary.
func (h *Handler) QueueChanged(sum outbox.Summary) {
	h.mu.Lock()
	h.last = sum
	h.mu.Unlock()

	h.send(MessageTypeQueueChanged, sum)
}

// FlushCompleted broadcasts the flush report followed by the new summary.
func (h *Handler) FlushCompleted(res syncer.Result) {
	h.mu.Lock()
	h.flushes++
	h.mu.Unlock()

	h.send(MessageTypeFlushComplete, FlushCompleteData{
		Attempted: res.Attempted,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Pending:   res.Summary.Pending,
		Duration:  res.Duration,
	})

	if res.Attempted > 0 {
		h.QueueChanged(res.Summary)
	}
}

// LastSummary returns the most recently broadcast summary.
func (h *Handler) LastSummary() outbox.Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Flushes returns the number of flush reports handled.
func (h *Handler) Flushes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushes
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
