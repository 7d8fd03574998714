package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/iterator"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/provider"
	"github.com/skypro1111/voice-turn-service/internal/segment"
)

// ErrGeneration wraps failures of the token stream.
var ErrGeneration = errors.New("generation failed")

// Config tunes response streaming.
type Config struct {
	SegmentMaxWait      time.Duration // cut text after this long without a boundary
	Workers             int           // concurrent synthesis calls per response
	SynthesisTimeout    time.Duration // per segment
	PlaceholderDuration time.Duration // silence emitted for a failed segment
}

// DefaultConfig returns the streaming defaults.
func DefaultConfig() Config {
	return Config{
		SegmentMaxWait:      segment.DefaultMaxWait,
		Workers:             3,
		SynthesisTimeout:    10 * time.Second,
		PlaceholderDuration: 200 * time.Millisecond,
	}
}

// Chunk is one synthesized segment, ready for the transport.
type Chunk struct {
	ResponseID  string
	Index       int
	Format      audio.Format
	Data        []byte
	Text        string
	Placeholder bool // synthesis failed; Data is silence
	Terminal    bool // last chunk of the response
}

// Handler receives the progress of one response. OnToken and OnSegment run
// on internal goroutines and must be safe for concurrent use. OnChunk is
// only ever called from one goroutine, in index order; an error from it
// aborts the response.
type Handler struct {
	OnToken   func(text string)
	OnSegment func(seg segment.Segment)
	OnChunk   func(ctx context.Context, chunk Chunk) error
}

// Result summarizes a finished or aborted response.
type Result struct {
	ResponseID   string
	Segments     int    // segments cut from the stream
	Emitted      int    // chunks handed to OnChunk, markers excluded
	Placeholders int    // emitted chunks that replaced a failed segment
	Text         string // text of the emitted chunks
}

// Recorder observes per-segment synthesis.
type Recorder interface {
	RecordSegment(latency time.Duration, placeholder bool)
}

// Coordinator turns token streams into ordered audio chunks.
type Coordinator struct {
	config    Config
	segmenter segment.Segmenter
	synth     provider.Synthesizer
	recorder  Recorder
	logger    *slog.Logger

	// tick drives the splitter's max-wait check; nil uses a real ticker.
	tick <-chan time.Time
}

// New creates a coordinator. A nil segmenter uses punctuation boundaries
// and recorder may be nil.
func New(config Config, synth provider.Synthesizer, segmenter segment.Segmenter, recorder Recorder, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.SynthesisTimeout <= 0 {
		config.SynthesisTimeout = def.SynthesisTimeout
	}
	if config.PlaceholderDuration < 0 {
		config.PlaceholderDuration = 0
	}
	if segmenter == nil {
		segmenter = segment.Punctuation{}
	}
	return &Coordinator{
		config:    config,
		segmenter: segmenter,
		synth:     synth,
		recorder:  recorder,
		logger:    logger.With(slog.String("component", "coordinator")),
	}
}

// Format is the audio format of emitted chunks.
func (c *Coordinator) Format() audio.Format { return c.synth.OutputFormat() }

// outcome is what the emitter consumes: a synthesized chunk, or the final
// segment count once the stream is exhausted.
type outcome struct {
	chunk Chunk
	total int
	final bool
}

// Respond streams one response. Text from stream is segmented, each segment
// is synthesized on a bounded pool, and chunks reach h.OnChunk strictly in
// index order. Respond returns once all of its goroutines have stopped. A
// cancelled ctx, a generation failure or an OnChunk error ends the response
// early and is returned.
func (c *Coordinator) Respond(ctx context.Context, responseID string, stream provider.TokenStream, voice provider.VoiceParams, h Handler) (Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer stream.Close()
	// Closing the stream unblocks a pending Next once the response is over.
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	logger := c.logger.With(slog.String("response_id", responseID))

	tokens := make(chan string, 16)
	segs := make(chan segment.Segment, c.config.Workers)
	results := make(chan outcome, c.config.Workers+1)
	slots := make(chan struct{}, c.config.Workers)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pump(ctx, cancel, stream, tokens, h.OnToken)
	}()
	go func() {
		defer wg.Done()
		splitter := segment.NewSplitter(c.segmenter, c.config.SegmentMaxWait, c.tick)
		_ = splitter.Run(ctx, tokens, segs)
	}()

	emitted := make(chan Result, 1)
	go func() {
		emitted <- c.emit(ctx, cancel, responseID, results, slots, h.OnChunk)
	}()

	total := 0
	var workers sync.WaitGroup
dispatch:
	for seg := range segs {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		if h.OnSegment != nil {
			h.OnSegment(seg)
		}
		total++
		workers.Add(1)
		go func(seg segment.Segment) {
			defer workers.Done()
			c.synthesize(ctx, logger, responseID, seg, voice, results)
		}(seg)
	}
	if ctx.Err() == nil {
		select {
		case results <- outcome{total: total, final: true}:
		case <-ctx.Done():
		}
	}

	workers.Wait()
	wg.Wait()
	res := <-emitted
	res.Segments = total

	if ctx.Err() != nil {
		return res, context.Cause(ctx)
	}
	return res, nil
}

// Say speaks fixed text without generation.
func (c *Coordinator) Say(ctx context.Context, responseID, text string, voice provider.VoiceParams, h Handler) (Result, error) {
	return c.Respond(ctx, responseID, provider.NewSliceStream(ctx, []string{text}, 0), voice, h)
}

// pump moves tokens from the stream into the splitter. The token channel is
// only closed on a clean end of stream so a failure never flushes a
// partial sentence.
func (c *Coordinator) pump(ctx context.Context, cancel context.CancelCauseFunc, stream provider.TokenStream, tokens chan<- string, onToken func(string)) {
	for {
		tok, err := stream.Next()
		if err == iterator.Done {
			if ctx.Err() == nil {
				close(tokens)
			}
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				cancel(fmt.Errorf("%w: %w", ErrGeneration, err))
			}
			return
		}
		if onToken != nil {
			onToken(tok)
		}
		select {
		case tokens <- tok:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) synthesize(ctx context.Context, logger *slog.Logger, responseID string, seg segment.Segment, voice provider.VoiceParams, results chan<- outcome) {
	sctx, cancel := context.WithTimeout(ctx, c.config.SynthesisTimeout)
	defer cancel()

	start := time.Now()
	pcm, err := c.synth.Synthesize(sctx, seg.Text, voice)
	if ctx.Err() != nil {
		return
	}

	format := c.synth.OutputFormat()
	chunk := Chunk{ResponseID: responseID, Index: seg.Index, Format: format, Data: pcm, Text: seg.Text}
	if err != nil {
		logger.Warn("Segment synthesis failed, emitting placeholder",
			slog.Int("segment", seg.Index),
			slog.String("error", err.Error()))
		chunk.Data = audio.Silence(format, c.config.PlaceholderDuration)
		chunk.Placeholder = true
	}
	if c.recorder != nil {
		c.recorder.RecordSegment(time.Since(start), chunk.Placeholder)
	}

	select {
	case results <- outcome{chunk: chunk}:
	case <-ctx.Done():
	}
}

// emit is the single serialization point: it holds completed chunks until
// every earlier index has been emitted. A slot is released per emitted
// chunk, so held chunks count against the worker limit.
func (c *Coordinator) emit(ctx context.Context, cancel context.CancelCauseFunc, responseID string, results <-chan outcome, slots <-chan struct{}, onChunk func(context.Context, Chunk) error) Result {
	res := Result{ResponseID: responseID}
	pending := make(map[int]Chunk)
	next, total := 0, -1
	terminalSent := false
	var texts []string

	for {
		if total >= 0 && next >= total {
			if total > 0 && !terminalSent {
				marker := Chunk{ResponseID: responseID, Index: total - 1, Format: c.synth.OutputFormat(), Terminal: true}
				if err := onChunk(ctx, marker); err != nil {
					cancel(err)
				}
			}
			res.Text = strings.Join(texts, " ")
			return res
		}

		select {
		case <-ctx.Done():
			res.Text = strings.Join(texts, " ")
			return res
		case out := <-results:
			if out.final {
				total = out.total
			} else {
				pending[out.chunk.Index] = out.chunk
			}
		}

		for {
			chunk, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			chunk.Terminal = total >= 0 && chunk.Index == total-1
			if err := onChunk(ctx, chunk); err != nil {
				cancel(err)
				res.Text = strings.Join(texts, " ")
				return res
			}
			<-slots
			terminalSent = chunk.Terminal
			res.Emitted++
			if chunk.Placeholder {
				res.Placeholders++
			} else {
				texts = append(texts, chunk.Text)
			}
			next++
		}
	}
}
