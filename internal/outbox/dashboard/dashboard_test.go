package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/irontracks/itsync/internal/outbox"
	"github.com/irontracks/itsync/internal/outbox/syncer"
)

func startServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()

	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Status: status,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("unexpected listen address %q", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeCarriesSummary(t *testing.T) {
	status := func(context.Context) outbox.Summary {
		return outbox.Summary{Online: true, Pending: 4, Failed: 1, Due: 2}
	}
	server := startServer(t, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeQueueChanged {
		t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeQueueChanged)
	}
	var sum outbox.Summary
	if err := json.Unmarshal(msg.Data, &sum); err != nil {
		t.Fatalf("Failed to unmarshal summary: %v", err)
	}
	if sum.Pending != 4 || sum.Due != 2 || sum.Failed != 1 || !sum.Online {
		t.Errorf("welcome summary = %+v", sum)
	}
}

func TestHandlerBroadcasts(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn) // welcome

	// Wait until the server has registered the client.
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	handler.FlushCompleted(syncer.Result{
		Attempted: 3,
		Succeeded: 2,
		Failed:    1,
		Summary:   outbox.Summary{Online: true, Pending: 1, Failed: 1},
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeFlushComplete {
		t.Fatalf("first message type = %s, want %s", msg.Type, MessageTypeFlushComplete)
	}
	var report FlushCompleteData
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		t.Fatalf("Failed to unmarshal report: %v", err)
	}
	if report.Succeeded != 2 || report.Failed != 1 || report.Pending != 1 {
		t.Errorf("report = %+v", report)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeQueueChanged {
		t.Fatalf("second message type = %s, want %s", msg.Type, MessageTypeQueueChanged)
	}

	if got := handler.LastSummary(); got.Pending != 1 {
		t.Errorf("LastSummary() = %+v", got)
	}
	if got := handler.Flushes(); got != 1 {
		t.Errorf("Flushes() = %d, want 1", got)
	}
}

func TestStatusAndHealthEndpoints(t *testing.T) {
	status := func(context.Context) outbox.Summary { return outbox.Summary{Pending: 7} }
	server := startServer(t, status)

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var sum outbox.Summary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if sum.Pending != 7 {
		t.Errorf("/status pending = %d, want 7", sum.Pending)
	}

	resp2, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp2.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&health); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("/health status = %v", health["status"])
	}

	resp3, err := http.Get("http://" + server.GetAddr() + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("/nope status = %d, want 404", resp3.StatusCode)
	}
}
