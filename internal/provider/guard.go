package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/voice-turn-service/internal/audio"
)

// Recorder receives the outcome of every guarded call.
type Recorder interface {
	RecordProviderCall(op string, duration time.Duration, err error)
}

// GuardConfig controls concurrency and retries for one collaborator.
type GuardConfig struct {
	MaxConcurrent int
	MaxRetries    int
	Backoff       time.Duration // first retry delay, doubled per attempt
	MaxBackoff    time.Duration
}

// DefaultGuardConfig retries transient failures once.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxConcurrent: 16,
		MaxRetries:    1,
		Backoff:       250 * time.Millisecond,
		MaxBackoff:    2 * time.Second,
	}
}

// Guard limits concurrent calls to a collaborator and retries transient
// failures with exponential backoff.
type Guard struct {
	op        string
	config    GuardConfig
	semaphore chan struct{}
	recorder  Recorder
	logger    *slog.Logger

	totalCalls      uint64
	successCalls    uint64
	failedCalls     uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// GuardStats are cumulative call statistics.
type GuardStats struct {
	Op              string        `json:"op"`
	TotalCalls      uint64        `json:"total_calls"`
	SuccessCalls    uint64        `json:"success_calls"`
	FailedCalls     uint64        `json:"failed_calls"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveCalls     int           `json:"active_calls"`
}

// NewGuard creates a guard for the named operation. recorder may be nil.
func NewGuard(op string, config GuardConfig, recorder Recorder, logger *slog.Logger) *Guard {
	def := DefaultGuardConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Backoff <= 0 {
		config.Backoff = def.Backoff
	}
	if config.MaxBackoff < config.Backoff {
		config.MaxBackoff = config.Backoff
	}
	return &Guard{
		op:        op,
		config:    config,
		semaphore: make(chan struct{}, config.MaxConcurrent),
		recorder:  recorder,
		logger:    logger.With(slog.String("component", "provider"), slog.String("op", op)),
	}
}

// Do runs fn under the concurrency limit, retrying transient failures.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case g.semaphore <- struct{}{}:
		defer func() { <-g.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	startTime := time.Now()
	g.incrementTotalCalls()

	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			g.incrementTotalRetries()
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * g.config.Backoff
			if backoff > g.config.MaxBackoff {
				backoff = g.config.MaxBackoff
			}
			g.logger.Debug("Retrying after transient failure",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()))

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				g.finish(startTime, ctx.Err())
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			g.finish(startTime, nil)
			return nil
		}
		lastErr = err

		// The caller's own deadline or cancellation is not retried.
		if ctx.Err() != nil || !IsTransient(err) {
			break
		}
	}

	g.finish(startTime, lastErr)
	if g.config.MaxRetries > 0 && IsTransient(lastErr) && ctx.Err() == nil {
		return fmt.Errorf("%s failed after %d attempts: %w", g.op, g.config.MaxRetries+1, lastErr)
	}
	return fmt.Errorf("%s failed: %w", g.op, lastErr)
}

func (g *Guard) finish(startTime time.Time, err error) {
	elapsed := time.Since(startTime)
	g.mu.Lock()
	if err == nil {
		g.successCalls++
		if g.avgResponseTime == 0 {
			g.avgResponseTime = elapsed
		} else {
			g.avgResponseTime = (g.avgResponseTime + elapsed) / 2
		}
	} else {
		g.failedCalls++
	}
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.RecordProviderCall(g.op, elapsed, err)
	}
}

func (g *Guard) incrementTotalCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalCalls++
}

func (g *Guard) incrementTotalRetries() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalRetries++
}

// GetStats returns current guard statistics.
func (g *Guard) GetStats() GuardStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	successRate := float64(0)
	if g.totalCalls > 0 {
		successRate = float64(g.successCalls) / float64(g.totalCalls) * 100
	}

	return GuardStats{
		Op:              g.op,
		TotalCalls:      g.totalCalls,
		SuccessCalls:    g.successCalls,
		FailedCalls:     g.failedCalls,
		SuccessRate:     successRate,
		TotalRetries:    g.totalRetries,
		AvgResponseTime: g.avgResponseTime,
		ActiveCalls:     len(g.semaphore),
	}
}

type guardedTranscriber struct {
	next  Transcriber
	guard *Guard
}

// GuardTranscriber wraps t so every call runs through g.
func GuardTranscriber(t Transcriber, g *Guard) Transcriber {
	return &guardedTranscriber{next: t, guard: g}
}

func (t *guardedTranscriber) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	var text string
	err := t.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		text, err = t.next.Transcribe(ctx, pcm, format)
		return err
	})
	return text, err
}

type guardedGenerator struct {
	next  Generator
	guard *Guard
}

// GuardGenerator wraps gen so opening a stream runs through g. Failures
// after the first token are not retried.
func GuardGenerator(gen Generator, g *Guard) Generator {
	return &guardedGenerator{next: gen, guard: g}
}

func (gg *guardedGenerator) Stream(ctx context.Context, prompt PromptContext) (TokenStream, error) {
	var stream TokenStream
	err := gg.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		stream, err = gg.next.Stream(ctx, prompt)
		return err
	})
	return stream, err
}

type guardedSynthesizer struct {
	next  Synthesizer
	guard *Guard
}

// GuardSynthesizer wraps s so every call runs through g.
func GuardSynthesizer(s Synthesizer, g *Guard) Synthesizer {
	return &guardedSynthesizer{next: s, guard: g}
}

func (s *guardedSynthesizer) Synthesize(ctx context.Context, text string, voice VoiceParams) ([]byte, error) {
	var pcm []byte
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		pcm, err = s.next.Synthesize(ctx, text, voice)
		return err
	})
	return pcm, err
}

func (s *guardedSynthesizer) OutputFormat() audio.Format { return s.next.OutputFormat() }
