package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Transport   TransportConfig   `yaml:"transport" json:"transport"`
	Audio       AudioConfig       `yaml:"audio" json:"audio"`
	VAD         VADConfig         `yaml:"vad" json:"vad"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	Provider    ProviderConfig    `yaml:"provider" json:"provider"`
	GRPC        GRPCConfig        `yaml:"grpc" json:"grpc"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// ServerConfig contains HTTP and websocket server configuration
type ServerConfig struct {
	Address            string `yaml:"address" json:"address"`
	Port               int    `yaml:"port" json:"port"`
	WebSocketPath      string `yaml:"websocket_path" json:"websocket_path"`
	MaxSessions        int    `yaml:"max_sessions" json:"max_sessions"`
	SessionIdleTimeout int    `yaml:"session_idle_timeout" json:"session_idle_timeout"` // seconds
	CleanupInterval    int    `yaml:"cleanup_interval" json:"cleanup_interval"`         // seconds
}

// TransportConfig tunes the per-session message channel
type TransportConfig struct {
	SendQueue           int   `yaml:"send_queue" json:"send_queue"`
	EventBuffer         int   `yaml:"event_buffer" json:"event_buffer"`
	WriteTimeoutMs      int   `yaml:"write_timeout_ms" json:"write_timeout_ms"`
	BackpressureTimeout int   `yaml:"backpressure_timeout_ms" json:"backpressure_timeout_ms"`
	PingInterval        int   `yaml:"ping_interval" json:"ping_interval"` // seconds
	ReadLimit           int64 `yaml:"read_limit" json:"read_limit"`       // bytes
}

// AudioConfig contains inbound audio and utterance assembly parameters
type AudioConfig struct {
	SampleRate          int `yaml:"sample_rate" json:"sample_rate"`
	Channels            int `yaml:"channels" json:"channels"`
	FrameMs             int `yaml:"frame_ms" json:"frame_ms"`
	MinUtteranceBytes   int `yaml:"min_utterance_bytes" json:"min_utterance_bytes"`
	MaxUtteranceSeconds int `yaml:"max_utterance_seconds" json:"max_utterance_seconds"`
	GapWaitMs           int `yaml:"gap_wait_ms" json:"gap_wait_ms"`
	MaxGapFrames        int `yaml:"max_gap_frames" json:"max_gap_frames"`
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	Threshold           float64 `yaml:"threshold" json:"threshold"`
	SilenceDurationMs   int     `yaml:"silence_duration_ms" json:"silence_duration_ms"`
	MinSpeechDurationMs int     `yaml:"min_speech_duration_ms" json:"min_speech_duration_ms"`
	Gain                float64 `yaml:"gain" json:"gain"`
	ServerSide          bool    `yaml:"server_side" json:"server_side"`
}

// CoordinatorConfig contains response streaming parameters
type CoordinatorConfig struct {
	SegmentMaxWaitMs   int `yaml:"segment_max_wait_ms" json:"segment_max_wait_ms"`
	SynthesisWorkers   int `yaml:"synthesis_workers" json:"synthesis_workers"`
	SynthesisTimeoutMs int `yaml:"synthesis_timeout_ms" json:"synthesis_timeout_ms"`
	PlaceholderMs      int `yaml:"placeholder_ms" json:"placeholder_ms"`
	MaxRetries         int `yaml:"max_retries" json:"max_retries"`
	RetryBackoffMs     int `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	PlaybackAckTimeout int `yaml:"playback_ack_timeout" json:"playback_ack_timeout"` // seconds
}

// ProviderConfig selects and configures the transcription, generation and
// synthesis backend
type ProviderConfig struct {
	Kind               string  `yaml:"kind" json:"kind"`
	BaseURL            string  `yaml:"base_url" json:"base_url"`
	APIKey             string  `yaml:"api_key" json:"api_key"`
	TranscriptionModel string  `yaml:"transcription_model" json:"transcription_model"`
	ChatModel          string  `yaml:"chat_model" json:"chat_model"`
	SpeechModel        string  `yaml:"speech_model" json:"speech_model"`
	Voice              string  `yaml:"voice" json:"voice"`
	Speed              float64 `yaml:"speed" json:"speed"`
	Language           string  `yaml:"language" json:"language"`
	MaxTokens          int     `yaml:"max_tokens" json:"max_tokens"`
	SystemPrompt       string  `yaml:"system_prompt" json:"system_prompt"`
	HistoryTurns       int     `yaml:"history_turns" json:"history_turns"`
	MaxConcurrent      int     `yaml:"max_concurrent" json:"max_concurrent"`
	Timeout            int     `yaml:"timeout" json:"timeout"` // seconds
}

// GRPCConfig contains the gRPC health server configuration
type GRPCConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

const (
	ProviderStub   = "stub"
	ProviderOpenAI = "openai"
)

// Default returns a configuration that runs locally with the stub provider.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            "0.0.0.0",
			Port:               8080,
			WebSocketPath:      "/voice-stream",
			MaxSessions:        100,
			SessionIdleTimeout: 300,
			CleanupInterval:    30,
		},
		Transport: TransportConfig{
			SendQueue:           256,
			EventBuffer:         64,
			WriteTimeoutMs:      5000,
			BackpressureTimeout: 2000,
			PingInterval:        20,
			ReadLimit:           1 << 20,
		},
		Audio: AudioConfig{
			SampleRate:          16000,
			Channels:            1,
			FrameMs:             100,
			MinUtteranceBytes:   1000,
			MaxUtteranceSeconds: 120,
			GapWaitMs:           300,
			MaxGapFrames:        20,
		},
		VAD: VADConfig{
			Threshold:           0.15,
			SilenceDurationMs:   1500,
			MinSpeechDurationMs: 500,
			Gain:                3.0,
		},
		Coordinator: CoordinatorConfig{
			SegmentMaxWaitMs:   2000,
			SynthesisWorkers:   3,
			SynthesisTimeoutMs: 10000,
			PlaceholderMs:      200,
			MaxRetries:         1,
			RetryBackoffMs:     250,
			PlaybackAckTimeout: 30,
		},
		Provider: ProviderConfig{
			Kind:               ProviderStub,
			TranscriptionModel: "whisper-1",
			ChatModel:          "gpt-4o-mini",
			SpeechModel:        "tts-1",
			Voice:              "alloy",
			Speed:              1.0,
			SystemPrompt:       "You are a helpful voice assistant. Answer briefly in plain spoken sentences.",
			HistoryTurns:       10,
			MaxConcurrent:      16,
			Timeout:            30,
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup. An empty path
// skips the file.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(lookup); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	float := func(key string, dst *float64) error {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
		return nil
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}

	// OPENAI_API_KEY is the fallback; the service-specific key wins.
	str("OPENAI_API_KEY", &c.Provider.APIKey)
	str("VOICE_PROVIDER_API_KEY", &c.Provider.APIKey)
	str("VOICE_PROVIDER_KIND", &c.Provider.Kind)
	str("VOICE_PROVIDER_BASE_URL", &c.Provider.BaseURL)
	str("VOICE_HTTP_ADDRESS", &c.Server.Address)
	str("VOICE_LOG_LEVEL", &c.Logging.Level)
	str("VOICE_LOG_FORMAT", &c.Logging.Format)

	for _, err := range []error{
		integer("VOICE_HTTP_PORT", &c.Server.Port),
		integer("VOICE_MAX_SESSIONS", &c.Server.MaxSessions),
		float("VOICE_VAD_THRESHOLD", &c.VAD.Threshold),
		boolean("VOICE_VAD_SERVER_SIDE", &c.VAD.ServerSide),
		boolean("VOICE_GRPC_ENABLED", &c.GRPC.Enabled),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Sanitized returns a copy safe to expose over the API
func (c *Config) Sanitized() Config {
	out := *c
	if out.Provider.APIKey != "" {
		out.Provider.APIKey = "***"
	}
	return out
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator config: %w", err)
	}

	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	if err := c.GRPC.Validate(); err != nil {
		return fmt.Errorf("grpc config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if len(s.WebSocketPath) == 0 || s.WebSocketPath[0] != '/' {
		return fmt.Errorf("websocket_path must start with '/', got '%s'", s.WebSocketPath)
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.SessionIdleTimeout < 1 {
		return fmt.Errorf("session_idle_timeout must be at least 1 second, got %d", s.SessionIdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates transport configuration
func (t *TransportConfig) Validate() error {
	if t.SendQueue < 1 {
		return fmt.Errorf("send_queue must be at least 1, got %d", t.SendQueue)
	}

	if t.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be at least 1, got %d", t.EventBuffer)
	}

	if t.WriteTimeoutMs < 1 {
		return fmt.Errorf("write_timeout_ms must be positive, got %d", t.WriteTimeoutMs)
	}

	if t.BackpressureTimeout < 1 {
		return fmt.Errorf("backpressure_timeout_ms must be positive, got %d", t.BackpressureTimeout)
	}

	if t.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", t.PingInterval)
	}

	if t.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", t.ReadLimit)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 24000: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of 8000, 16000, 24000, 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.FrameMs < 10 || a.FrameMs > 250 {
		return fmt.Errorf("frame_ms must be between 10 and 250, got %d", a.FrameMs)
	}

	if a.MinUtteranceBytes < 0 {
		return fmt.Errorf("min_utterance_bytes cannot be negative, got %d", a.MinUtteranceBytes)
	}

	if a.MaxUtteranceSeconds < 1 {
		return fmt.Errorf("max_utterance_seconds must be at least 1, got %d", a.MaxUtteranceSeconds)
	}

	if a.GapWaitMs < 1 {
		return fmt.Errorf("gap_wait_ms must be positive, got %d", a.GapWaitMs)
	}

	if a.MaxGapFrames < 1 {
		return fmt.Errorf("max_gap_frames must be at least 1, got %d", a.MaxGapFrames)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.SilenceDurationMs < 1 {
		return fmt.Errorf("silence_duration_ms must be positive, got %d", v.SilenceDurationMs)
	}

	if v.MinSpeechDurationMs < 0 {
		return fmt.Errorf("min_speech_duration_ms cannot be negative, got %d", v.MinSpeechDurationMs)
	}

	if v.Gain <= 0 {
		return fmt.Errorf("gain must be positive, got %f", v.Gain)
	}

	return nil
}

// Validate validates coordinator configuration
func (c *CoordinatorConfig) Validate() error {
	if c.SegmentMaxWaitMs < 1 {
		return fmt.Errorf("segment_max_wait_ms must be positive, got %d", c.SegmentMaxWaitMs)
	}

	if c.SynthesisWorkers < 1 || c.SynthesisWorkers > 8 {
		return fmt.Errorf("synthesis_workers must be between 1 and 8, got %d", c.SynthesisWorkers)
	}

	if c.SynthesisTimeoutMs < 1 {
		return fmt.Errorf("synthesis_timeout_ms must be positive, got %d", c.SynthesisTimeoutMs)
	}

	if c.PlaceholderMs < 0 {
		return fmt.Errorf("placeholder_ms cannot be negative, got %d", c.PlaceholderMs)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}

	if c.RetryBackoffMs < 0 {
		return fmt.Errorf("retry_backoff_ms cannot be negative, got %d", c.RetryBackoffMs)
	}

	if c.PlaybackAckTimeout < 1 {
		return fmt.Errorf("playback_ack_timeout must be at least 1 second, got %d", c.PlaybackAckTimeout)
	}

	return nil
}

// Validate validates provider configuration
func (p *ProviderConfig) Validate() error {
	switch p.Kind {
	case ProviderStub:
	case ProviderOpenAI:
		if p.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the openai provider")
		}
	default:
		return fmt.Errorf("kind must be '%s' or '%s', got '%s'", ProviderStub, ProviderOpenAI, p.Kind)
	}

	if p.Speed < 0.25 || p.Speed > 4 {
		return fmt.Errorf("speed must be between 0.25 and 4, got %f", p.Speed)
	}

	if p.HistoryTurns < 0 {
		return fmt.Errorf("history_turns cannot be negative, got %d", p.HistoryTurns)
	}

	if p.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", p.MaxConcurrent)
	}

	if p.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", p.Timeout)
	}

	return nil
}

// Validate validates gRPC configuration
func (g *GRPCConfig) Validate() error {
	if g.Enabled {
		if g.Port < 1 || g.Port > 65535 {
			return fmt.Errorf("grpc port must be between 1 and 65535, got %d", g.Port)
		}

		if g.Address == "" {
			return fmt.Errorf("grpc address cannot be empty when gRPC is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path; any value is accepted.
	return nil
}

// GetSessionIdleTimeout returns the idle expiry as a time.Duration
func (s *ServerConfig) GetSessionIdleTimeout() time.Duration {
	return time.Duration(s.SessionIdleTimeout) * time.Second
}

// GetCleanupInterval returns the session sweep interval as a time.Duration
func (s *ServerConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetWriteTimeout returns the per-message write deadline
func (t *TransportConfig) GetWriteTimeout() time.Duration {
	return time.Duration(t.WriteTimeoutMs) * time.Millisecond
}

// GetBackpressureTimeout returns how long a send may wait on a full queue
func (t *TransportConfig) GetBackpressureTimeout() time.Duration {
	return time.Duration(t.BackpressureTimeout) * time.Millisecond
}

// GetPingInterval returns the websocket ping interval
func (t *TransportConfig) GetPingInterval() time.Duration {
	return time.Duration(t.PingInterval) * time.Second
}

// GetFrameDuration returns the capture frame length
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameMs) * time.Millisecond
}

// GetGapWait returns how long a missing frame is waited for
func (a *AudioConfig) GetGapWait() time.Duration {
	return time.Duration(a.GapWaitMs) * time.Millisecond
}

// GetSilenceDuration returns the silence that ends speech
func (v *VADConfig) GetSilenceDuration() time.Duration {
	return time.Duration(v.SilenceDurationMs) * time.Millisecond
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(v.MinSpeechDurationMs) * time.Millisecond
}

// GetSegmentMaxWait returns the longest a segment waits for a boundary
func (c *CoordinatorConfig) GetSegmentMaxWait() time.Duration {
	return time.Duration(c.SegmentMaxWaitMs) * time.Millisecond
}

// GetSynthesisTimeout returns the per-segment synthesis timeout
func (c *CoordinatorConfig) GetSynthesisTimeout() time.Duration {
	return time.Duration(c.SynthesisTimeoutMs) * time.Millisecond
}

// GetPlaceholderDuration returns the silence substituted for a failed segment
func (c *CoordinatorConfig) GetPlaceholderDuration() time.Duration {
	return time.Duration(c.PlaceholderMs) * time.Millisecond
}

// GetRetryBackoff returns the initial provider retry backoff
func (c *CoordinatorConfig) GetRetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// GetPlaybackAckTimeout returns how long Speaking waits for the client ack
func (c *CoordinatorConfig) GetPlaybackAckTimeout() time.Duration {
	return time.Duration(c.PlaybackAckTimeout) * time.Second
}

// GetTimeoutDuration returns the provider call timeout as a time.Duration
func (p *ProviderConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}
