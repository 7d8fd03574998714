package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/config"
	"github.com/skypro1111/voice-turn-service/internal/coordinator"
	"github.com/skypro1111/voice-turn-service/internal/metrics"
	"github.com/skypro1111/voice-turn-service/internal/provider"
	"github.com/skypro1111/voice-turn-service/internal/provider/openai"
	"github.com/skypro1111/voice-turn-service/internal/server"
	"github.com/skypro1111/voice-turn-service/internal/session"
	"github.com/skypro1111/voice-turn-service/internal/transport"
	"github.com/skypro1111/voice-turn-service/internal/vad"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice service",
	Long: `Run the websocket voice service with its HTTP API and metrics.

Configuration is read from --config and then overridden by VOICE_* and
OPENAI_API_KEY environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(configPath)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", path),
	)
	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("websocket_path", cfg.Server.WebSocketPath),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("vad_threshold", cfg.VAD.Threshold),
		slog.Bool("server_vad", cfg.VAD.ServerSide),
		slog.String("provider", cfg.Provider.Kind),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()

	deps, guards, err := buildDeps(cfg, appMetrics, logger)
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.ManagerConfig{
		MaxSessions:     cfg.Server.MaxSessions,
		IdleTimeout:     cfg.Server.GetSessionIdleTimeout(),
		CleanupInterval: cfg.Server.GetCleanupInterval(),
		Session:         sessionConfig(cfg),
	}, deps, appMetrics, logger)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Address:       cfg.Server.Address,
		Port:          cfg.Server.Port,
		WebSocketPath: cfg.Server.WebSocketPath,
		Transport:     transportConfig(cfg),
	}, logger, cfg, sessions, guards, appMetrics)

	var grpcServer *server.GRPCServer
	if cfg.GRPC.Enabled {
		grpcServer = server.NewGRPCServer(cfg.GRPC.Address, cfg.GRPC.Port, sessions, cfg.Server.MaxSessions, logger)
	}

	if err := httpServer.Start(); err != nil {
		sessions.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if grpcServer != nil {
		if err := grpcServer.Start(); err != nil {
			stopHTTP(httpServer, logger)
			sessions.Stop()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", httpServer.Addr()),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	// Stop accepting connections before ending the sessions
	stopHTTP(httpServer, logger)
	if grpcServer != nil {
		grpcServer.Stop(shutdownTimeout)
	}
	sessions.Stop()

	stats := sessions.GetStats()
	logger.Info("Final session statistics",
		slog.Uint64("created", stats.Created),
		slog.Uint64("destroyed", stats.Destroyed),
		slog.Uint64("expired", stats.Expired),
		slog.Uint64("rejected", stats.Rejected),
	)
	logger.Info("Service stopped")
	return nil
}

func stopHTTP(s *server.HTTPServer, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}
}

// buildDeps creates the collaborators named by the provider section, each
// behind its own guard.
func buildDeps(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (session.Deps, []*provider.Guard, error) {
	var (
		transcriber provider.Transcriber
		generator   provider.Generator
		synth       provider.Synthesizer
	)
	switch cfg.Provider.Kind {
	case config.ProviderOpenAI:
		client, err := openai.New(openai.Config{
			APIKey:             cfg.Provider.APIKey,
			BaseURL:            cfg.Provider.BaseURL,
			TranscriptionModel: cfg.Provider.TranscriptionModel,
			ChatModel:          cfg.Provider.ChatModel,
			SpeechModel:        cfg.Provider.SpeechModel,
			Voice:              cfg.Provider.Voice,
			Language:           cfg.Provider.Language,
			MaxTokens:          cfg.Provider.MaxTokens,
		})
		if err != nil {
			return session.Deps{}, nil, fmt.Errorf("failed to create openai provider: %w", err)
		}
		transcriber, generator, synth = client, client, client
	default:
		logger.Warn("Using the local stub provider, replies are canned")
		transcriber = provider.StubTranscriber{}
		generator = provider.StubGenerator{}
		synth = provider.NewStubSynthesizer()
	}

	guardConfig := provider.DefaultGuardConfig()
	guardConfig.MaxConcurrent = cfg.Provider.MaxConcurrent
	guardConfig.MaxRetries = cfg.Coordinator.MaxRetries
	guardConfig.Backoff = cfg.Coordinator.GetRetryBackoff()

	transcribeGuard := provider.NewGuard("transcribe", guardConfig, m, logger)
	generateGuard := provider.NewGuard("generate", guardConfig, m, logger)
	synthesizeGuard := provider.NewGuard("synthesize", guardConfig, m, logger)

	coord := coordinator.New(coordinator.Config{
		SegmentMaxWait:      cfg.Coordinator.GetSegmentMaxWait(),
		Workers:             cfg.Coordinator.SynthesisWorkers,
		SynthesisTimeout:    cfg.Coordinator.GetSynthesisTimeout(),
		PlaceholderDuration: cfg.Coordinator.GetPlaceholderDuration(),
	}, provider.GuardSynthesizer(synth, synthesizeGuard), nil, m, logger)

	deps := session.Deps{
		Transcriber: provider.GuardTranscriber(transcriber, transcribeGuard),
		Generator:   provider.GuardGenerator(generator, generateGuard),
		Coordinator: coord,
	}
	return deps, []*provider.Guard{transcribeGuard, generateGuard, synthesizeGuard}, nil
}

// sessionConfig maps the file configuration onto per-session settings.
func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()

	sc.Assembler = audio.AssemblerConfig{
		MinDuration:  cfg.VAD.GetMinSpeechDuration(),
		MinBytes:     cfg.Audio.MinUtteranceBytes,
		MaxBytes:     cfg.Audio.MaxUtteranceSeconds * cfg.Audio.SampleRate * cfg.Audio.Channels * 2,
		GapWait:      cfg.Audio.GetGapWait(),
		MaxGapFrames: cfg.Audio.MaxGapFrames,
	}

	sc.VAD = vad.DefaultConfig()
	sc.VAD.Threshold = cfg.VAD.Threshold
	sc.VAD.SilenceDuration = cfg.VAD.GetSilenceDuration()
	sc.VAD.MinSpeechDuration = cfg.VAD.GetMinSpeechDuration()
	sc.VADGain = cfg.VAD.Gain
	sc.ServerVAD = cfg.VAD.ServerSide

	sc.Voice = provider.VoiceParams{Voice: cfg.Provider.Voice, Speed: cfg.Provider.Speed}
	sc.SystemPrompt = cfg.Provider.SystemPrompt
	sc.HistoryTurns = cfg.Provider.HistoryTurns
	sc.TranscribeTimeout = cfg.Provider.GetTimeoutDuration()
	sc.PlaybackAckTimeout = cfg.Coordinator.GetPlaybackAckTimeout()
	return sc
}

func transportConfig(cfg *config.Config) transport.Config {
	tc := transport.DefaultConfig()
	tc.SendQueue = cfg.Transport.SendQueue
	tc.EventBuffer = cfg.Transport.EventBuffer
	tc.WriteTimeout = cfg.Transport.GetWriteTimeout()
	tc.BackpressureTimeout = cfg.Transport.GetBackpressureTimeout()
	tc.PingInterval = cfg.Transport.GetPingInterval()
	tc.PongWait = 3 * tc.PingInterval
	tc.ReadLimit = cfg.Transport.ReadLimit
	return tc
}
