package provider

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/iterator"

	"github.com/skypro1111/voice-turn-service/internal/audio"
)

var (
	_ Transcriber = (*StubTranscriber)(nil)
	_ Generator   = (*StubGenerator)(nil)
	_ Synthesizer = (*StubSynthesizer)(nil)
	_ TokenStream = (*SliceStream)(nil)
)

// StubTranscriber reports how much audio it heard. It lets the pipeline run
// without credentials.
type StubTranscriber struct{}

func (StubTranscriber) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", ErrEmptyTranscript
	}
	return fmt.Sprintf("I spoke for %.1f seconds.", format.Duration(len(pcm)).Seconds()), nil
}

// StubGenerator streams a canned reply word by word.
type StubGenerator struct {
	// Reply is the text to stream. Empty means a reply that quotes the
	// user text.
	Reply string
	// Delay between tokens.
	Delay time.Duration
}

func (g StubGenerator) Stream(ctx context.Context, prompt PromptContext) (TokenStream, error) {
	reply := g.Reply
	if reply == "" {
		reply = fmt.Sprintf("You said: %s This is a local test reply. Configure a provider for real answers.", prompt.UserText)
	}
	return NewSliceStream(ctx, SplitWords(reply), g.Delay), nil
}

// SplitWords splits text into tokens that keep their leading space, the
// way streamed model output arrives.
func SplitWords(text string) []string {
	words := strings.Fields(text)
	tokens := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		tokens[i] = w
	}
	return tokens
}

// SliceStream is a TokenStream over a fixed token list.
type SliceStream struct {
	ctx    context.Context
	tokens []string
	delay  time.Duration
	pos    int
	done   chan struct{}
	once   sync.Once
}

// NewSliceStream streams tokens, pausing delay before each one. It stops
// with ctx.Err() once ctx is cancelled.
func NewSliceStream(ctx context.Context, tokens []string, delay time.Duration) *SliceStream {
	return &SliceStream{ctx: ctx, tokens: tokens, delay: delay, done: make(chan struct{})}
}

func (s *SliceStream) Next() (string, error) {
	select {
	case <-s.done:
		return "", iterator.Done
	default:
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return "", iterator.Done
		case <-s.ctx.Done():
			timer.Stop()
			return "", s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.tokens) {
		return "", iterator.Done
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}

// Close ends the stream. It is safe to call concurrently with Next.
func (s *SliceStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// StubSynthesizer renders a sine tone whose length follows the text, so
// playback timing behaves like real speech.
type StubSynthesizer struct {
	Format        audio.Format
	PerRune       time.Duration
	FrequencyHz   float64
	Amplitude     float64
	ArtificialLag time.Duration
}

// NewStubSynthesizer returns a 16 kHz tone synthesizer.
func NewStubSynthesizer() *StubSynthesizer {
	return &StubSynthesizer{
		Format:      audio.DefaultFormat,
		PerRune:     40 * time.Millisecond,
		FrequencyHz: 440,
		Amplitude:   0.2,
	}
}

func (s *StubSynthesizer) OutputFormat() audio.Format { return s.Format }

func (s *StubSynthesizer) Synthesize(ctx context.Context, text string, voice VoiceParams) ([]byte, error) {
	if s.ArtificialLag > 0 {
		timer := time.NewTimer(s.ArtificialLag)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	speed := voice.Speed
	if speed <= 0 {
		speed = 1
	}
	d := time.Duration(float64(time.Duration(len([]rune(text)))*s.PerRune) / speed)
	samples := s.Format.Bytes(d) / 2
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := s.Amplitude * math.Sin(2*math.Pi*s.FrequencyHz*float64(i)/float64(s.Format.SampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out, nil
}
