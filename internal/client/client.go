package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/playback"
	"github.com/skypro1111/voice-turn-service/internal/protocol"
	"github.com/skypro1111/voice-turn-service/internal/transport"
	"github.com/skypro1111/voice-turn-service/internal/vad"
)

// Config tunes the talk client.
type Config struct {
	SessionID string
	VAD       vad.Config
	VADGain   float64
	// ServerVAD streams every frame and leaves detection to the server.
	ServerVAD bool
	// ReplyTimeout bounds the wait for the session to go idle once the
	// input is exhausted.
	ReplyTimeout time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		VAD:          vad.DefaultConfig(),
		VADGain:      vad.DefaultGain,
		ReplyTimeout: 30 * time.Second,
	}
}

// Result summarizes a talk run.
type Result struct {
	Utterances int      `json:"utterances"`
	Discarded  int      `json:"discarded"`
	Completed  int      `json:"completed"`
	BargeIns   int      `json:"barge_ins"`
	Errors     []string `json:"errors,omitempty"`
}

// Client talks to a voice session: captured audio goes up through the
// local detector, replies come down into a playback queue.
type Client struct {
	conn   transport.Conn
	queue  *playback.Queue
	config Config
	logger *slog.Logger

	// OnTranscript, if set, receives final transcripts.
	OnTranscript func(role, text string)

	mu        sync.Mutex
	turnOpen  bool // between speech and the idle status that ends its turn
	result    Result
	utterance string
	seq       uint32
}

// New creates a client over an established connection. Replies are played
// through player.
func New(conn transport.Conn, player playback.Player, config Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if config.VADGain <= 0 {
		config.VADGain = def.VADGain
	}
	if config.ReplyTimeout <= 0 {
		config.ReplyTimeout = def.ReplyTimeout
	}
	c := &Client{
		conn:   conn,
		config: config,
		logger: logger.With(slog.String("component", "client")),
	}
	c.queue = playback.NewQueue(player, c.playbackComplete, logger)
	return c
}

// Queue exposes the playback queue.
func (c *Client) Queue() *playback.Queue { return c.queue }

// Run streams src to the session and plays the replies. It returns once
// the input is exhausted and the session has gone idle with nothing left
// to play, or when ctx ends.
func (c *Client) Run(ctx context.Context, src vad.Source, format audio.Format) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.queue.Run(ctx)
	}()
	readErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		readErr <- c.readLoop(ctx)
	}()

	if err := c.capture(ctx, src, format); err != nil {
		return c.snapshot(), err
	}
	c.logger.Info("Input finished, waiting for replies")

	timeout := time.NewTimer(c.config.ReplyTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return c.snapshot(), ctx.Err()
		case err := <-readErr:
			if err == nil {
				err = errors.New("connection closed by server")
			}
			return c.snapshot(), err
		case <-timeout.C:
			return c.snapshot(), fmt.Errorf("session did not go idle within %v", c.config.ReplyTimeout)
		case <-poll.C:
			if c.settled() {
				return c.snapshot(), nil
			}
		}
	}
}

// capture runs the input through the detector, or streams it raw in server
// detection mode.
func (c *Client) capture(ctx context.Context, src vad.Source, format audio.Format) error {
	if c.config.ServerVAD {
		for {
			frame, err := src.ReadFrame(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("capture failed: %w", err)
			}
			if err := c.sendFrame(ctx, "stream", format, frame); err != nil {
				return err
			}
		}
	}

	det, err := vad.NewDetector(c.config.VAD, format.SampleRate, c.config.VADGain, nil)
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	var sendErr error
	tee := &teeSource{src: src, send: func(f vad.Frame) {
		c.mu.Lock()
		id := c.utterance
		c.mu.Unlock()
		if id == "" || sendErr != nil {
			return
		}
		sendErr = c.sendFrame(ctx, id, format, f)
	}}
	err = det.Run(ctx, tee, func(ev vad.Event) {
		if sendErr != nil {
			return
		}
		switch ev.Kind {
		case vad.SpeechStart:
			tee.held = true
			sendErr = c.speechStart(ctx)
		case vad.SpeechEnd, vad.SpeechDiscarded:
			tee.held = false
			sendErr = c.speechEnd(ctx, ev)
		}
	})
	if sendErr != nil {
		return sendErr
	}
	if errors.Is(err, io.EOF) {
		if det.InSpeech() {
			return c.speechEnd(ctx, vad.Event{Kind: vad.SpeechEnd})
		}
		return nil
	}
	return err
}

// teeSource hands every frame read during speech to send. A frame is sent
// on the following read, after the detector has reported its events, so
// speech_start always precedes the first frame.
type teeSource struct {
	src     vad.Source
	send    func(vad.Frame)
	pending *vad.Frame
	held    bool
}

func (t *teeSource) ReadFrame(ctx context.Context) (vad.Frame, error) {
	if t.pending != nil && t.held {
		t.send(*t.pending)
	}
	t.pending = nil
	f, err := t.src.ReadFrame(ctx)
	if err != nil {
		return f, err
	}
	t.pending = &f
	return f, nil
}

func (c *Client) speechStart(ctx context.Context) error {
	id := uuid.NewString()
	c.mu.Lock()
	c.utterance = id
	c.seq = 0
	c.result.Utterances++
	c.mu.Unlock()

	if _, playing := c.queue.Playing(); playing || c.queue.Len() > 0 {
		c.logger.Info("Barge-in, stopping playback")
		c.queue.Interrupt()
		c.mu.Lock()
		c.result.BargeIns++
		c.mu.Unlock()
	}
	c.logger.Debug("Speech started", slog.String("utterance_id", id))
	return c.send(ctx, protocol.ControlCommand{
		Name:   protocol.ControlSpeechStart,
		Params: map[string]any{"utterance_id": id},
	})
}

func (c *Client) speechEnd(ctx context.Context, ev vad.Event) error {
	c.mu.Lock()
	id := c.utterance
	c.utterance = ""
	if ev.Kind == vad.SpeechDiscarded {
		c.result.Discarded++
	}
	if id != "" {
		c.turnOpen = true
	}
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	c.logger.Debug("Speech ended",
		slog.String("utterance_id", id),
		slog.Duration("duration", ev.Duration),
		slog.Bool("discarded", ev.Kind == vad.SpeechDiscarded),
	)
	return c.send(ctx, protocol.ControlCommand{
		Name: protocol.ControlSpeechEnd,
		Params: map[string]any{
			"utterance_id": id,
			"duration_ms":  float64(ev.Duration.Milliseconds()),
		},
	})
}

func (c *Client) sendFrame(ctx context.Context, utteranceID string, format audio.Format, f vad.Frame) error {
	c.mu.Lock()
	seq := c.seq
	c.seq++
	c.mu.Unlock()
	return c.send(ctx, protocol.AudioChunkIn{
		UtteranceID: utteranceID,
		Sequence:    seq,
		Format:      format,
		Data:        audio.SamplesToBytes(f.Samples),
	})
}

func (c *Client) send(ctx context.Context, ev protocol.Event) error {
	if err := c.conn.Send(ctx, protocol.Message{SessionID: c.config.SessionID, Event: ev}); err != nil {
		return fmt.Errorf("failed to send %s: %w", ev.Type(), err)
	}
	return nil
}

// readLoop handles server messages until the connection closes.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.conn.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case transport.Disconnected:
				return ev.Err
			case transport.Malformed:
				c.logger.Warn("Dropping malformed message", slog.String("error", ev.Err.Error()))
			case transport.Received:
				c.handle(ev.Message.Event)
			}
		}
	}
}

func (c *Client) handle(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.AudioChunkOut:
		c.queue.Enqueue(playback.Chunk{
			ResponseID:  e.ResponseID,
			Index:       e.SegmentIndex,
			Format:      e.Format,
			Data:        e.Data,
			Placeholder: e.Placeholder,
			Terminal:    e.Terminal,
		})
	case protocol.StatusUpdate:
		c.mu.Lock()
		switch e.Status {
		case protocol.StatusListening:
			c.turnOpen = true
		case protocol.StatusIdle:
			c.turnOpen = false
		}
		c.mu.Unlock()
		c.logger.Debug("Status", slog.String("status", string(e.Status)))
	case protocol.TranscriptUpdate:
		if e.Final && c.OnTranscript != nil {
			c.OnTranscript(e.Role, e.Text)
		}
	case protocol.ControlCommand:
		if e.Name == protocol.ControlInterrupt {
			id, _ := e.StringParam("response_id")
			c.logger.Info("Server interrupted playback", slog.String("response_id", id))
			if id != "" {
				c.queue.Cancel(id)
			} else {
				c.queue.Interrupt()
			}
		}
	case protocol.ErrorEvent:
		c.logger.Warn("Server error", slog.String("code", e.Code), slog.String("message", e.Message))
		c.mu.Lock()
		c.result.Errors = append(c.result.Errors, e.Code)
		c.mu.Unlock()
	case protocol.AudioChunkIn:
		c.logger.Debug("Ignoring client-bound message of unexpected type", slog.String("type", string(e.Type())))
	}
}

// playbackComplete acknowledges a fully played response.
func (c *Client) playbackComplete(responseID string) {
	c.mu.Lock()
	c.result.Completed++
	c.mu.Unlock()
	err := c.send(context.Background(), protocol.ControlCommand{
		Name:   protocol.ControlPlaybackComplete,
		Params: map[string]any{"response_id": responseID},
	})
	if err != nil {
		c.logger.Warn("Failed to acknowledge playback", slog.String("error", err.Error()))
	}
}

func (c *Client) settled() bool {
	c.mu.Lock()
	open := c.turnOpen
	c.mu.Unlock()
	_, playing := c.queue.Playing()
	return !open && !playing && c.queue.Len() == 0
}

func (c *Client) snapshot() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.result
	r.Errors = append([]string(nil), c.result.Errors...)
	return r
}
