package vad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSourceHalted is reported when the audio source stops delivering frames.
var ErrSourceHalted = errors.New("audio source halted")

// EventKind identifies a detector event.
type EventKind int

const (
	// SpeechStart fires on the first frame above threshold.
	SpeechStart EventKind = iota + 1
	// SpeechEnd fires once silence has lasted long enough after a valid
	// episode.
	SpeechEnd
	// SpeechDiscarded fires instead of SpeechEnd when the episode was
	// shorter than the minimum speech duration.
	SpeechDiscarded
	// SourceError is terminal: no further events follow.
	SourceError
)

func (k EventKind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	case SpeechDiscarded:
		return "speech_discarded"
	case SourceError:
		return "source_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is emitted by the detector. At is the stream offset of the frame
// that triggered it.
type Event struct {
	Kind     EventKind
	At       time.Duration
	Duration time.Duration // speech duration for SpeechEnd and SpeechDiscarded
	Err      error         // set for SourceError
}

// Config holds the detector parameters.
type Config struct {
	Threshold         float64       // start threshold in [0,1]
	ReleaseRatio      float64       // end threshold = Threshold * ReleaseRatio
	SilenceDuration   time.Duration // silence needed to end an episode
	MinSpeechDuration time.Duration // shorter episodes are discarded
	StallTimeout      time.Duration // source silence that counts as a halt
}

// DefaultConfig returns the default detector parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:         0.15,
		ReleaseRatio:      1.0,
		SilenceDuration:   1500 * time.Millisecond,
		MinSpeechDuration: 500 * time.Millisecond,
		StallTimeout:      2 * time.Second,
	}
}

// Validate checks the parameter ranges.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", c.Threshold)
	}
	if c.ReleaseRatio <= 0 || c.ReleaseRatio > 1 {
		return fmt.Errorf("release_ratio must be in (0, 1], got %f", c.ReleaseRatio)
	}
	if c.SilenceDuration <= 0 {
		return fmt.Errorf("silence duration must be positive, got %v", c.SilenceDuration)
	}
	if c.MinSpeechDuration < 0 {
		return fmt.Errorf("min speech duration cannot be negative, got %v", c.MinSpeechDuration)
	}
	return nil
}

// Stats are cumulative detector counters.
type Stats struct {
	Frames          uint64        `json:"frames"`
	SpeechFrames    uint64        `json:"speech_frames"`
	Episodes        uint64        `json:"episodes"`
	Discarded       uint64        `json:"discarded"`
	InSpeech        bool          `json:"in_speech"`
	LastLevel       float64       `json:"last_level"`
	Threshold       float64       `json:"threshold"`
	SilenceDuration time.Duration `json:"silence_duration"`
}

// Frame is one slice of captured PCM with its offset from stream start.
type Frame struct {
	At      time.Duration
	Samples []int16
}

// Source delivers captured frames. ReadFrame blocks until a frame is
// available; any error ends detection.
type Source interface {
	ReadFrame(ctx context.Context) (Frame, error)
}

// Detector classifies frames into speech and silence with time-based
// hysteresis. Parameters may be changed while it runs.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	meter   *Meter
	onLevel func(level float64)

	inSpeech    bool
	speechStart time.Duration
	lastSpeech  time.Duration
	stats       Stats
}

// NewDetector creates a detector over frames at sampleRate. onLevel, if
// set, receives the energy of every frame.
func NewDetector(cfg Config, sampleRate int, gain float64, onLevel func(level float64)) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return &Detector{
		cfg:     cfg,
		meter:   NewMeter(sampleRate, gain),
		onLevel: onLevel,
	}, nil
}

// ProcessFrame measures the frame energy and advances the state machine.
func (d *Detector) ProcessFrame(f Frame) []Event {
	d.mu.Lock()
	energy := d.meter.Energy(f.Samples)
	d.mu.Unlock()
	return d.ProcessEnergy(f.At, energy)
}

// ProcessEnergy advances the state machine with an already normalized
// energy value observed at stream offset at.
func (d *Detector) ProcessEnergy(at time.Duration, energy float64) []Event {
	d.mu.Lock()
	events := d.step(at, energy)
	onLevel := d.onLevel
	d.mu.Unlock()

	if onLevel != nil {
		onLevel(energy)
	}
	return events
}

func (d *Detector) step(at time.Duration, energy float64) []Event {
	d.stats.Frames++
	d.stats.LastLevel = energy

	if !d.inSpeech {
		if energy > d.cfg.Threshold {
			d.inSpeech = true
			d.speechStart = at
			d.lastSpeech = at
			d.stats.SpeechFrames++
			d.stats.Episodes++
			return []Event{{Kind: SpeechStart, At: at}}
		}
		return nil
	}

	if energy > d.cfg.Threshold*d.cfg.ReleaseRatio {
		d.lastSpeech = at
		d.stats.SpeechFrames++
		return nil
	}
	if at-d.lastSpeech < d.cfg.SilenceDuration {
		return nil
	}

	d.inSpeech = false
	duration := d.lastSpeech - d.speechStart
	if duration < d.cfg.MinSpeechDuration {
		d.stats.Discarded++
		return []Event{{Kind: SpeechDiscarded, At: at, Duration: duration}}
	}
	return []Event{{Kind: SpeechEnd, At: at, Duration: duration}}
}

// Run reads frames from src until ctx is cancelled or the source fails.
// A source failure or a stall longer than StallTimeout is reported to emit
// as a SourceError event and returned wrapped in ErrSourceHalted.
func (d *Detector) Run(ctx context.Context, src Source, emit func(Event)) error {
	for {
		frame, err := d.read(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			halted := fmt.Errorf("%w: %w", ErrSourceHalted, err)
			emit(Event{Kind: SourceError, Err: halted})
			return halted
		}
		for _, ev := range d.ProcessFrame(frame) {
			emit(ev)
		}
	}
}

func (d *Detector) read(ctx context.Context, src Source) (Frame, error) {
	d.mu.Lock()
	stall := d.cfg.StallTimeout
	d.mu.Unlock()
	if stall <= 0 {
		return src.ReadFrame(ctx)
	}
	readCtx, cancel := context.WithTimeout(ctx, stall)
	defer cancel()
	return src.ReadFrame(readCtx)
}

// SetThreshold changes the start threshold.
func (d *Detector) SetThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Threshold = threshold
	return nil
}

// SetSilenceDuration changes how much silence ends an episode.
func (d *Detector) SetSilenceDuration(silence time.Duration) error {
	if silence <= 0 {
		return fmt.Errorf("silence duration must be positive, got %v", silence)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.SilenceDuration = silence
	return nil
}

// SetMinSpeechDuration changes the shortest accepted episode.
func (d *Detector) SetMinSpeechDuration(min time.Duration) error {
	if min < 0 {
		return fmt.Errorf("min speech duration cannot be negative, got %v", min)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.MinSpeechDuration = min
	return nil
}

// Config returns the current parameters.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// InSpeech reports whether an episode is open.
func (d *Detector) InSpeech() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inSpeech
}

// Reset abandons any open episode without emitting an event.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inSpeech = false
	d.speechStart = 0
	d.lastSpeech = 0
	d.meter.Reset()
}

// GetStats returns a snapshot of the counters.
func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.InSpeech = d.inSpeech
	s.Threshold = d.cfg.Threshold
	s.SilenceDuration = d.cfg.SilenceDuration
	return s
}
