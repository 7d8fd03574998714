package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/protocol"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("Event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return Event{}
}

func chunkOut(response string, index int) protocol.Message {
	return protocol.Message{SessionID: "s", Event: protocol.AudioChunkOut{
		ResponseID:   response,
		SegmentIndex: index,
		Format:       audio.DefaultFormat,
		Data:         []byte{byte(index)},
	}}
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe(DefaultConfig())
	defer a.Close()

	if ev := nextEvent(t, b.Events()); ev.Kind != Connected {
		t.Fatalf("Expected Connected first, got %v", ev.Kind)
	}

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := a.Send(ctx, chunkOut("r", i)); err != nil {
			t.Fatalf("Send(%d) failed: %v", i, err)
		}
	}
	for i := 0; i < 50; i++ {
		ev := nextEvent(t, b.Events())
		if ev.Kind != Received {
			t.Fatalf("Expected Received, got %v (%v)", ev.Kind, ev.Err)
		}
		chunk := ev.Message.Event.(protocol.AudioChunkOut)
		if chunk.SegmentIndex != i {
			t.Fatalf("Expected segment %d, got %d", i, chunk.SegmentIndex)
		}
	}
}

func TestPipeBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendQueue = 2
	cfg.EventBuffer = 2
	cfg.BackpressureTimeout = 30 * time.Millisecond
	a, b := Pipe(cfg)
	defer a.Close()

	// Nobody drains b, so the pump stalls and a's queue fills.
	ctx := context.Background()
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = a.Send(ctx, chunkOut("r", i))
	}
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Expected ErrBackpressure, got %v", err)
	}
	if a.Stats().Backpressure == 0 {
		t.Error("Expected backpressure to be counted")
	}
	if a.Pending() != cfg.SendQueue {
		t.Errorf("Expected %d pending, got %d", cfg.SendQueue, a.Pending())
	}
	_ = b
}

func TestPipeSendCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendQueue = 1
	cfg.EventBuffer = 1
	cfg.BackpressureTimeout = time.Minute
	a, _ := Pipe(cfg)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = a.Send(ctx, chunkOut("r", i))
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestPipeSendAfterCancelIsRefused(t *testing.T) {
	a, b := Pipe(DefaultConfig())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Send(ctx, chunkOut("r", 0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled with room in the queue, got %v", err)
	}
	if a.Pending() != 0 {
		t.Errorf("Expected nothing queued, got %d", a.Pending())
	}
	_ = b
}

func TestPipeDropAndMalformed(t *testing.T) {
	a, b := Pipe(DefaultConfig())
	defer a.Close()
	nextEvent(t, b.Events())

	a.SetDrop(func(m protocol.Message) bool {
		chunk, ok := m.Event.(protocol.AudioChunkOut)
		return ok && chunk.ResponseID == "stale"
	})

	ctx := context.Background()
	a.Send(ctx, chunkOut("stale", 0))
	a.SendRaw(ctx, []byte("not json"))
	a.Send(ctx, chunkOut("fresh", 1))

	ev := nextEvent(t, b.Events())
	if ev.Kind != Malformed {
		t.Fatalf("Expected Malformed, got %v", ev.Kind)
	}
	var decodeErr *protocol.DecodeError
	if !errors.As(ev.Err, &decodeErr) {
		t.Errorf("Expected DecodeError, got %v", ev.Err)
	}

	ev = nextEvent(t, b.Events())
	if ev.Kind != Received || ev.Message.Event.(protocol.AudioChunkOut).ResponseID != "fresh" {
		t.Fatalf("Expected fresh chunk, got %+v", ev)
	}
	if a.Stats().Dropped != 1 {
		t.Errorf("Expected 1 dropped message, got %d", a.Stats().Dropped)
	}
}

func TestPipeCloseDisconnectsBothEnds(t *testing.T) {
	a, b := Pipe(DefaultConfig())
	nextEvent(t, a.Events())
	nextEvent(t, b.Events())

	b.Close()

	for _, end := range []*PipeConn{a, b} {
		if ev := nextEvent(t, end.Events()); ev.Kind != Disconnected {
			t.Errorf("Expected Disconnected, got %v", ev.Kind)
		}
		if _, ok := <-end.Events(); ok {
			t.Error("Expected event channel to close after Disconnected")
		}
	}
	if err := a.Send(context.Background(), chunkOut("r", 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	// Closing again is harmless.
	a.Close()
}

// echoServer upgrades and sends every received message straight back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := Upgrader()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user_id") == "" {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn := NewWSConn(ws, DefaultConfig(), testLogger)
			conn.CloseWith(CloseMissingParams, "Missing required parameters")
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		conn := NewWSConn(ws, DefaultConfig(), testLogger)
		defer conn.Close()
		for ev := range conn.Events() {
			if ev.Kind == Received {
				conn.Send(context.Background(), ev.Message)
			}
		}
	}))
}

func wsURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/?" + query
}

func TestWebSocketRoundTrip(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	conn, err := Dial(context.Background(), wsURL(server, "user_id=u"), nil, DefaultConfig(), testLogger)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if ev := nextEvent(t, conn.Events()); ev.Kind != Connected {
		t.Fatalf("Expected Connected, got %v", ev.Kind)
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := conn.Send(ctx, chunkOut("r", i)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		ev := nextEvent(t, conn.Events())
		if ev.Kind != Received {
			t.Fatalf("Expected Received, got %v (%v)", ev.Kind, ev.Err)
		}
		if got := ev.Message.Event.(protocol.AudioChunkOut).SegmentIndex; got != i {
			t.Errorf("Expected segment %d, got %d", i, got)
		}
	}
	if conn.Stats().Sent != 10 || conn.Stats().Received != 10 {
		t.Errorf("Expected 10 sent and received, got %+v", conn.Stats())
	}
}

func TestWebSocketCloseCode(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	conn, err := Dial(context.Background(), wsURL(server, ""), nil, DefaultConfig(), testLogger)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	nextEvent(t, conn.Events())
	ev := nextEvent(t, conn.Events())
	if ev.Kind != Disconnected {
		t.Fatalf("Expected Disconnected, got %v", ev.Kind)
	}
	if !websocket.IsCloseError(ev.Err, CloseMissingParams) {
		t.Errorf("Expected close code %d, got %v", CloseMissingParams, ev.Err)
	}
}
