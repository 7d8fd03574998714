package commands

import (
	"log/slog"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/skypro1111/voice-turn-service/internal/config"
	"github.com/skypro1111/voice-turn-service/internal/metrics"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func TestSessionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.VAD.Threshold = 0.4
	cfg.VAD.SilenceDurationMs = 900
	cfg.VAD.MinSpeechDurationMs = 250
	cfg.VAD.Gain = 2.5
	cfg.VAD.ServerSide = true
	cfg.Audio.MaxUtteranceSeconds = 10
	cfg.Audio.SampleRate = 16000
	cfg.Provider.Voice = "nova"
	cfg.Provider.Speed = 1.25
	cfg.Coordinator.PlaybackAckTimeout = 7

	sc := sessionConfig(cfg)

	if sc.VAD.Threshold != 0.4 {
		t.Errorf("Expected threshold 0.4, got %v", sc.VAD.Threshold)
	}
	if sc.VAD.SilenceDuration != 900*time.Millisecond {
		t.Errorf("Expected silence 900ms, got %v", sc.VAD.SilenceDuration)
	}
	if sc.Assembler.MinDuration != 250*time.Millisecond {
		t.Errorf("Expected assembler min duration 250ms, got %v", sc.Assembler.MinDuration)
	}
	if sc.Assembler.MaxBytes != 10*16000*2 {
		t.Errorf("Expected max bytes %d, got %d", 10*16000*2, sc.Assembler.MaxBytes)
	}
	if sc.VADGain != 2.5 || !sc.ServerVAD {
		t.Errorf("Expected gain 2.5 with server VAD, got %v %v", sc.VADGain, sc.ServerVAD)
	}
	if sc.Voice.Voice != "nova" || sc.Voice.Speed != 1.25 {
		t.Errorf("Expected voice nova at 1.25, got %+v", sc.Voice)
	}
	if sc.PlaybackAckTimeout != 7*time.Second {
		t.Errorf("Expected ack timeout 7s, got %v", sc.PlaybackAckTimeout)
	}
	if sc.GapTick <= 0 {
		t.Errorf("Expected a default gap tick, got %v", sc.GapTick)
	}
}

func TestTransportConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.SendQueue = 32
	cfg.Transport.PingInterval = 5

	tc := transportConfig(cfg)

	if tc.SendQueue != 32 {
		t.Errorf("Expected send queue 32, got %d", tc.SendQueue)
	}
	if tc.PingInterval != 5*time.Second {
		t.Errorf("Expected ping interval 5s, got %v", tc.PingInterval)
	}
	if tc.PongWait <= tc.PingInterval {
		t.Errorf("Expected pong wait beyond ping interval, got %v", tc.PongWait)
	}
}

func TestBuildDeps(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		apiKey  string
		wantErr bool
	}{
		{name: "stub", kind: config.ProviderStub},
		{name: "openai", kind: config.ProviderOpenAI, apiKey: "sk-test"},
		{name: "openai without key", kind: config.ProviderOpenAI, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Provider.Kind = tt.kind
			cfg.Provider.APIKey = tt.apiKey

			deps, guards, err := buildDeps(cfg, metrics.NewMetrics(), testLogger)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if deps.Transcriber == nil || deps.Generator == nil || deps.Coordinator == nil {
				t.Errorf("Expected all collaborators, got %+v", deps)
			}
			if len(guards) != 3 {
				t.Fatalf("Expected 3 guards, got %d", len(guards))
			}
			for i, op := range []string{"transcribe", "generate", "synthesize"} {
				if got := guards[i].GetStats().Op; got != op {
					t.Errorf("Expected guard %d for %s, got %s", i, op, got)
				}
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	got, err := streamURL("ws://localhost:8080/voice-stream", "u1", "c1", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	if q.Get("user_id") != "u1" || q.Get("chat_id") != "c1" {
		t.Errorf("Expected identity parameters, got %s", got)
	}
	if q.Has("session_id") {
		t.Errorf("Expected no session_id, got %s", got)
	}

	got, _ = streamURL("wss://example.com/voice-stream?x=1", "u", "c", "s9")
	u, _ = url.Parse(got)
	if u.Query().Get("session_id") != "s9" || u.Query().Get("x") != "1" {
		t.Errorf("Expected session_id and existing query kept, got %s", got)
	}

	if _, err := streamURL("http://localhost:8080/voice-stream", "u", "c", ""); err == nil {
		t.Error("Expected error for non-websocket scheme")
	}
}
