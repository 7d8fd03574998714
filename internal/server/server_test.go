package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/config"
	"github.com/skypro1111/voice-turn-service/internal/coordinator"
	"github.com/skypro1111/voice-turn-service/internal/metrics"
	"github.com/skypro1111/voice-turn-service/internal/protocol"
	"github.com/skypro1111/voice-turn-service/internal/provider"
	"github.com/skypro1111/voice-turn-service/internal/session"
	"github.com/skypro1111/voice-turn-service/internal/transport"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type testService struct {
	http     *httptest.Server
	sessions *session.Manager
	config   *config.Config
}

func newTestService(t *testing.T) *testService {
	t.Helper()

	cfg := config.Default()
	cfg.Provider.APIKey = "sk-secret"

	m := metrics.NewMetrics()
	guard := provider.NewGuard("transcribe", provider.DefaultGuardConfig(), m, testLogger)
	deps := session.Deps{
		Transcriber: provider.GuardTranscriber(provider.StubTranscriber{}, guard),
		Generator:   provider.StubGenerator{Reply: "Okay."},
		Coordinator: coordinator.New(coordinator.DefaultConfig(), provider.NewStubSynthesizer(), nil, m, testLogger),
	}
	mgr := session.NewManager(session.ManagerConfig{
		MaxSessions: 4,
		Session:     session.DefaultConfig(),
	}, deps, m, testLogger)

	srv := NewHTTPServer(HTTPServerConfig{
		Address:       "127.0.0.1",
		Port:          0,
		WebSocketPath: cfg.Server.WebSocketPath,
		Transport:     transport.DefaultConfig(),
	}, testLogger, cfg, mgr, []*provider.Guard{guard}, m)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		mgr.Stop()
		ts.Close()
	})
	return &testService{http: ts, sessions: mgr, config: cfg}
}

func (s *testService) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + s.config.Server.WebSocketPath + query
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHTTPEndpoints(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"root", http.MethodGet, "/", http.StatusOK},
		{"health", http.MethodGet, "/health", http.StatusOK},
		{"sessions", http.MethodGet, "/sessions", http.StatusOK},
		{"config", http.MethodGet, "/config", http.StatusOK},
		{"stats", http.MethodGet, "/stats", http.StatusOK},
		{"provider stats", http.MethodGet, "/stats/providers", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound},
		{"unknown session", http.MethodGet, "/sessions/missing", http.StatusNotFound},
		{"delete unknown session", http.MethodDelete, "/sessions/missing", http.StatusNotFound},
		{"health wrong method", http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{"session without id", http.MethodGet, "/sessions/", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, svc.http.URL+tt.path, nil)
			if err != nil {
				t.Fatalf("Failed to build request: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestHealthReportsSessions(t *testing.T) {
	svc := newTestService(t)

	var health struct {
		Status     string `json:"status"`
		Components struct {
			SessionManager struct {
				ActiveSessions int `json:"active_sessions"`
				MaxSessions    int `json:"max_sessions"`
			} `json:"session_manager"`
		} `json:"components"`
	}
	if code := getJSON(t, svc.http.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if health.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", health.Status)
	}
	if health.Components.SessionManager.MaxSessions != svc.config.Server.MaxSessions {
		t.Errorf("Expected max sessions %d, got %d", svc.config.Server.MaxSessions, health.Components.SessionManager.MaxSessions)
	}
}

func TestConfigEndpointMasksSecrets(t *testing.T) {
	svc := newTestService(t)

	resp, err := http.Get(svc.http.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if strings.Contains(string(body), "sk-secret") {
		t.Error("Expected API key to be masked")
	}
	if !strings.Contains(string(body), "voice-stream") {
		t.Errorf("Expected websocket path in config, got %s", body)
	}
}

func TestVoiceStreamRequiresParameters(t *testing.T) {
	svc := newTestService(t)

	ws, _, err := websocket.DefaultDialer.Dial(svc.wsURL("?user_id=u1"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected close error, got %v", err)
	}
	if closeErr.Code != transport.CloseMissingParams || closeErr.Text != "Missing required parameters" {
		t.Errorf("Expected 4000 Missing required parameters, got %d %q", closeErr.Code, closeErr.Text)
	}
	if svc.sessions.GetActiveSessionCount() != 0 {
		t.Error("Expected no session to be created")
	}
}

func TestVoiceStreamTurn(t *testing.T) {
	svc := newTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, svc.wsURL("?user_id=u1&chat_id=c1&session_id=s-1"), nil, transport.DefaultConfig(), testLogger)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	send := func(ev protocol.Event) {
		if err := conn.Send(ctx, protocol.Message{SessionID: "s-1", Event: ev}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	send(protocol.ControlCommand{Name: protocol.ControlSpeechStart, Params: map[string]any{"utterance_id": "utt-1"}})
	for i := 0; i < 10; i++ {
		send(protocol.AudioChunkIn{
			UtteranceID: "utt-1",
			Sequence:    uint32(i),
			Format:      audio.DefaultFormat,
			Data:        audio.Silence(audio.DefaultFormat, 100*time.Millisecond),
		})
	}
	send(protocol.ControlCommand{Name: protocol.ControlSpeechEnd, Params: map[string]any{"utterance_id": "utt-1", "duration_ms": 1000.0}})

	var (
		transcript string
		terminal   bool
	)
	for !terminal {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				t.Fatal("Connection closed before the reply finished")
			}
			if ev.Kind != transport.Received {
				continue
			}
			switch e := ev.Message.Event.(type) {
			case protocol.TranscriptUpdate:
				if e.Role == protocol.RoleUser {
					transcript = e.Text
				}
			case protocol.AudioChunkOut:
				terminal = e.Terminal
			case protocol.ErrorEvent:
				t.Fatalf("Unexpected error: %s %s", e.Code, e.Message)
			}
		case <-ctx.Done():
			t.Fatal("Timed out waiting for the reply")
		}
	}
	if !strings.Contains(transcript, "1.0 seconds") {
		t.Errorf("Expected stub transcript of the utterance length, got %q", transcript)
	}

	var list struct {
		Total    int            `json:"total_sessions"`
		Sessions []session.Info `json:"sessions"`
	}
	getJSON(t, svc.http.URL+"/sessions", &list)
	if list.Total != 1 || list.Sessions[0].ID != "s-1" || list.Sessions[0].UserID != "u1" {
		t.Errorf("Expected session s-1 for u1, got %+v", list)
	}

	var info session.Info
	if code := getJSON(t, svc.http.URL+"/sessions/s-1", &info); code != http.StatusOK {
		t.Fatalf("Expected 200 for session detail, got %d", code)
	}
	if info.Turns != 1 {
		t.Errorf("Expected 1 turn, got %d", info.Turns)
	}

	req, _ := http.NewRequest(http.MethodDelete, svc.http.URL+"/sessions/s-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok || ev.Kind == transport.Disconnected {
				return
			}
		case <-ctx.Done():
			t.Fatal("Expected the client to be disconnected after DELETE")
		}
	}
}

type fakeCapacity struct{ active atomic.Int64 }

func (f *fakeCapacity) GetActiveSessionCount() int { return int(f.active.Load()) }

func (f *fakeCapacity) set(n int) { f.active.Store(int64(n)) }

func TestGRPCHealth(t *testing.T) {
	sessions := &fakeCapacity{}
	srv := NewGRPCServer("127.0.0.1", 0, sessions, 1, testLogger)
	srv.interval = 10 * time.Millisecond
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop(time.Second)

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer conn.Close()
	client := healthgrpc.NewHealthClient(conn)

	check := func(service string) healthgrpc.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthgrpc.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q) failed: %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check(""); got != healthgrpc.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", got)
	}
	if got := check(HealthServiceName); got != healthgrpc.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING for %s, got %v", HealthServiceName, got)
	}

	sessions.set(1)
	deadline := time.Now().Add(2 * time.Second)
	for check(HealthServiceName) != healthgrpc.HealthCheckResponse_NOT_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("Expected NOT_SERVING once the session limit is reached")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := check(""); got != healthgrpc.HealthCheckResponse_SERVING {
		t.Errorf("Expected the process to stay SERVING, got %v", got)
	}
}
