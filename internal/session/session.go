package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/coordinator"
	"github.com/skypro1111/voice-turn-service/internal/protocol"
	"github.com/skypro1111/voice-turn-service/internal/provider"
	"github.com/skypro1111/voice-turn-service/internal/segment"
	"github.com/skypro1111/voice-turn-service/internal/transport"
	"github.com/skypro1111/voice-turn-service/internal/vad"
)

// Error codes sent to the client.
const (
	CodeEmptyTranscript     = "empty_transcript"
	CodeTranscriptionFailed = "transcription_failed"
	CodeGenerationFailed    = "generation_failed"
	CodeResponseFailed      = "response_failed"
	CodeInvalidInput        = "invalid_input"
	CodeInvalidMessage      = "invalid_message"
	CodeInvalidParam        = "invalid_param"
	CodeUnknownControl      = "unknown_control"
	CodeBusy                = "busy"
)

// msgEmptyTranscript is shown to the user when nothing intelligible was said.
const msgEmptyTranscript = "Could not understand audio"

var (
	errEmptyTranscript = errors.New("empty transcript")
	errSuperseded      = errors.New("response superseded")
	errDisconnected    = errors.New("client disconnected")
)

// Recorder observes session activity.
type Recorder interface {
	RecordTransition(from, to string)
	RecordTurn(outcome string)
	RecordBargeIn()
	RecordFirstAudio(latency time.Duration)
	RecordUtteranceDropped(reason string)
	RecordSpeechEpisode(kept bool)
	RecordMessageIn(msgType string)
	RecordMessageOut(msgType string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(string, string) {}
func (nopRecorder) RecordTurn(string)               {}
func (nopRecorder) RecordBargeIn()                  {}
func (nopRecorder) RecordFirstAudio(time.Duration)  {}
func (nopRecorder) RecordUtteranceDropped(string)   {}
func (nopRecorder) RecordSpeechEpisode(bool)        {}
func (nopRecorder) RecordMessageIn(string)          {}
func (nopRecorder) RecordMessageOut(string)         {}

// Config tunes a session.
type Config struct {
	Assembler          audio.AssemblerConfig
	VAD                vad.Config
	VADGain            float64
	ServerVAD          bool // run the detector on the server over a continuous stream
	Voice              provider.VoiceParams
	SystemPrompt       string
	HistoryTurns       int
	TranscribeTimeout  time.Duration
	PlaybackAckTimeout time.Duration
	GapTick            time.Duration // how often held frames are checked
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		Assembler:          audio.DefaultAssemblerConfig(),
		VAD:                vad.DefaultConfig(),
		VADGain:            3.0,
		Voice:              provider.VoiceParams{Voice: "alloy", Speed: 1.0},
		HistoryTurns:       10,
		TranscribeTimeout:  30 * time.Second,
		PlaybackAckTimeout: 30 * time.Second,
		GapTick:            100 * time.Millisecond,
	}
}

// Deps are the collaborators of a session. Coordinator may be shared.
type Deps struct {
	Transcriber provider.Transcriber
	Generator   provider.Generator
	Coordinator *coordinator.Coordinator
}

// Info is a point-in-time view of a session for monitoring.
type Info struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	ChatID       string               `json:"chat_id"`
	State        string               `json:"state"`
	ResponseID   string               `json:"response_id,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
	Duration     time.Duration        `json:"duration"`
	Turns        uint64               `json:"turns"`
	Completed    uint64               `json:"completed"`
	Interrupted  uint64               `json:"interrupted"`
	Failed       uint64               `json:"failed"`
	HistoryLen   int                  `json:"history_len"`
	ServerVAD    bool                 `json:"server_vad"`
	VADThreshold float64              `json:"vad_threshold"`
	Speed        float64              `json:"speed"`
	Assembler    audio.AssemblerStats `json:"assembler"`
	Transport    transport.Stats      `json:"transport"`
	VAD          *vad.Stats           `json:"vad,omitempty"`
}

// turn is the response in flight.
type turn struct {
	id          string
	cancel      context.CancelFunc
	speechEnded time.Time
	done        bool // the response finished streaming
	acked       bool // the client reported the terminal chunk played
}

// Loop-bound events posted by turn goroutines.
type loopEvent interface{ isLoopEvent() }

type firstChunkEvent struct {
	turnID string
	reply  chan bool
}

type turnDoneEvent struct {
	turnID   string
	userText string
	result   coordinator.Result
	text     string // everything the generator produced
	err      error
}

func (firstChunkEvent) isLoopEvent() {}
func (turnDoneEvent) isLoopEvent()   {}

// Session is one conversation over one connection. All state below the
// monitoring fields is owned by the Run loop.
type Session struct {
	ID        string
	UserID    string
	ChatID    string
	CreatedAt time.Time

	conn     transport.Conn
	config   Config
	deps     Deps
	recorder Recorder
	logger   *slog.Logger

	machine   machine
	assembler *audio.Assembler
	detector  *vad.Detector
	history   *History
	voice     provider.VoiceParams
	turn      *turn
	ackTimer  *time.Timer
	ackC      <-chan time.Time
	stall     *time.Timer // server-side detection: no frames while speech is open
	stallC    <-chan time.Time
	streamPos time.Duration
	vadSeq    uint32
	sendErr   error

	loopCtx   context.Context
	internal  chan loopEvent
	turns     sync.WaitGroup
	cancelled *responseSet

	mu   sync.RWMutex
	info Info
}

// New creates a session over conn. Run drives it.
func New(id, userID, chatID string, conn transport.Conn, config Config, deps Deps, recorder Recorder, logger *slog.Logger) (*Session, error) {
	if deps.Transcriber == nil || deps.Generator == nil || deps.Coordinator == nil {
		return nil, fmt.Errorf("session requires a transcriber, a generator and a coordinator")
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	def := DefaultConfig()
	if config.GapTick <= 0 {
		config.GapTick = def.GapTick
	}
	if config.PlaybackAckTimeout <= 0 {
		config.PlaybackAckTimeout = def.PlaybackAckTimeout
	}
	if config.TranscribeTimeout <= 0 {
		config.TranscribeTimeout = def.TranscribeTimeout
	}
	if config.VADGain <= 0 {
		config.VADGain = def.VADGain
	}
	if config.Voice.Speed <= 0 {
		config.Voice.Speed = 1.0
	}
	config.Assembler.MinDuration = config.VAD.MinSpeechDuration

	now := time.Now()
	s := &Session{
		ID:        id,
		UserID:    userID,
		ChatID:    chatID,
		CreatedAt: now,
		conn:      conn,
		config:    config,
		deps:      deps,
		recorder:  recorder,
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("session_id", id),
		),
		assembler: audio.NewAssembler(config.Assembler),
		history:   NewHistory(config.HistoryTurns),
		voice:     config.Voice,
		internal:  make(chan loopEvent, 8),
		cancelled: newResponseSet(32),
	}
	if config.ServerVAD {
		det, err := vad.NewDetector(config.VAD, audio.DefaultFormat.SampleRate, config.VADGain, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create detector: %w", err)
		}
		s.detector = det
	}
	s.machine.onChange = func(from, to State, on Trigger) {
		s.recorder.RecordTransition(from.String(), to.String())
		s.logger.Debug("State transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("trigger", on.String()),
		)
	}
	s.info = Info{
		ID:           id,
		UserID:       userID,
		ChatID:       chatID,
		State:        Idle.String(),
		CreatedAt:    now,
		LastActivity: now,
		ServerVAD:    config.ServerVAD,
		VADThreshold: config.VAD.Threshold,
		Speed:        config.Voice.Speed,
	}
	return s, nil
}

// Run drives the session until the connection closes, ctx is cancelled or
// a fatal error occurs. A clean disconnect returns nil. The connection is
// closed and all in-flight work is stopped before Run returns.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	s.loopCtx = ctx
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session loop panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("session panic: %v", r)
		}
		s.shutdown(cancel)
	}()

	s.conn.SetDrop(s.dropStale)

	gap := time.NewTicker(s.config.GapTick)
	defer gap.Stop()

	events := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.handleTransport(ctx, ev); err != nil {
				if errors.Is(err, errDisconnected) {
					return nil
				}
				return err
			}

		case ev := <-s.internal:
			s.handleInternal(ctx, ev)

		case <-gap.C:
			if s.assembler.Tick() {
				s.logger.Debug("Skipped missing frames after gap wait")
			}

		case <-s.ackC:
			s.logger.Warn("Playback acknowledgement timed out", slog.String("response_id", s.currentResponse()))
			s.finishTurn(ctx, TriggerResponseDone, "completed")

		case <-s.stallC:
			s.onStall(ctx)
		}

		if s.sendErr != nil {
			return s.sendErr
		}
		s.publish()
	}
}

// shutdown moves to Idle, stops in-flight work and closes the connection.
func (s *Session) shutdown(cancel context.CancelFunc) {
	if s.turn != nil {
		s.turn.cancel()
		s.cancelled.add(s.turn.id)
		s.turn = nil
	}
	s.stopAckTimer()
	s.stopStallTimer()
	s.assembler.Discard()
	s.machine.fire(TriggerCancel)
	cancel()
	s.turns.Wait()
	_ = s.conn.Close()
	s.publish()
}

func (s *Session) handleTransport(ctx context.Context, ev transport.Event) error {
	switch ev.Kind {
	case transport.Connected:
		s.logger.Info("Session connected",
			slog.String("user_id", s.UserID),
			slog.String("chat_id", s.ChatID),
			slog.Bool("server_vad", s.config.ServerVAD),
		)
	case transport.Disconnected:
		if ev.Err != nil {
			s.logger.Warn("Connection lost", slog.String("error", ev.Err.Error()))
		}
		return errDisconnected
	case transport.Malformed:
		s.logger.Warn("Dropping malformed message", slog.String("error", ev.Err.Error()))
		s.sendError(ctx, CodeInvalidMessage, ev.Err.Error(), false)
	case transport.Received:
		s.touch()
		s.recorder.RecordMessageIn(string(ev.Message.Event.Type()))
		switch e := ev.Message.Event.(type) {
		case protocol.AudioChunkIn:
			s.onAudio(ctx, e)
		case protocol.ControlCommand:
			s.onControl(ctx, e)
		case protocol.AudioChunkOut, protocol.TranscriptUpdate, protocol.StatusUpdate, protocol.ErrorEvent:
			s.logger.Debug("Ignoring server-bound message of unexpected type",
				slog.String("type", string(e.Type())))
		}
	}
	return nil
}

func (s *Session) handleInternal(ctx context.Context, ev loopEvent) {
	switch e := ev.(type) {
	case firstChunkEvent:
		e.reply <- s.onFirstChunk(ctx, e.turnID)
	case turnDoneEvent:
		s.onTurnDone(ctx, e)
	}
}

func (s *Session) onAudio(ctx context.Context, chunk protocol.AudioChunkIn) {
	if s.detector != nil {
		s.onServerAudio(ctx, chunk)
		return
	}
	if _, open := s.assembler.Active(); !open {
		s.logger.Debug("Dropping audio outside an utterance",
			slog.String("utterance_id", chunk.UtteranceID),
			slog.Uint64("sequence", uint64(chunk.Sequence)),
		)
		return
	}
	s.appendFrame(ctx, audio.Frame{
		UtteranceID: chunk.UtteranceID,
		Sequence:    chunk.Sequence,
		Format:      chunk.Format,
		Data:        chunk.Data,
	})
}

// onServerAudio runs the co-located detector over a continuous stream and
// opens and closes utterances from its events. Frames are renumbered per
// utterance.
func (s *Session) onServerAudio(ctx context.Context, chunk protocol.AudioChunkIn) {
	if !chunk.Format.IsPCM() || chunk.Format.SampleRate != audio.DefaultFormat.SampleRate || chunk.Format.Channels != 1 {
		s.sendError(ctx, CodeInvalidInput, fmt.Sprintf("server-side detection needs %s audio, got %s", audio.DefaultFormat, chunk.Format), false)
		return
	}

	frame := vad.Frame{At: s.streamPos, Samples: audio.BytesToSamples(chunk.Data)}
	s.streamPos += chunk.Format.Duration(len(chunk.Data))
	events := s.detector.ProcessFrame(frame)

	for _, ev := range events {
		if ev.Kind == vad.SpeechStart {
			s.speechStart(ctx, "")
		}
	}
	if id, open := s.assembler.Active(); open {
		s.appendFrame(ctx, audio.Frame{UtteranceID: id, Sequence: s.vadSeq, Format: chunk.Format, Data: chunk.Data})
		s.vadSeq++
	}
	for _, ev := range events {
		switch ev.Kind {
		case vad.SpeechEnd:
			s.recorder.RecordSpeechEpisode(true)
			s.speechEnd(ctx, "", ev.Duration)
		case vad.SpeechDiscarded:
			s.recorder.RecordSpeechEpisode(false)
			s.speechDiscard(ctx, "vad_too_short")
		}
	}
	s.armStallTimer()
}

// armStallTimer restarts the stall timer while an utterance is open in
// server-side detection and stops it otherwise.
func (s *Session) armStallTimer() {
	d := s.config.VAD.StallTimeout
	if _, open := s.assembler.Active(); !open || d <= 0 {
		s.stopStallTimer()
		return
	}
	if s.stall == nil {
		s.stall = time.NewTimer(d)
	} else {
		s.stall.Reset(d)
	}
	s.stallC = s.stall.C
}

func (s *Session) stopStallTimer() {
	if s.stall != nil {
		s.stall.Stop()
	}
	s.stallC = nil
}

// onStall ends an utterance whose audio stopped arriving mid-speech.
func (s *Session) onStall(ctx context.Context) {
	s.stopStallTimer()
	if _, open := s.assembler.Active(); !open {
		return
	}
	s.logger.Warn("Audio stream stalled during speech", slog.Duration("stall_timeout", s.config.VAD.StallTimeout))
	s.detector.Reset()
	s.assembler.Discard()
	s.recorder.RecordUtteranceDropped("stalled")
	if s.machine.fire(TriggerSpeechDiscard) {
		s.sendError(ctx, CodeInvalidInput, "Audio stream stalled, please try again", true)
		s.sendStatus(ctx, protocol.StatusIdle, "")
	}
}

func (s *Session) appendFrame(ctx context.Context, f audio.Frame) {
	err := s.assembler.Append(f)
	switch {
	case err == nil:
	case errors.Is(err, audio.ErrLateFrame), errors.Is(err, audio.ErrDuplicateFrame),
		errors.Is(err, audio.ErrSequenceJump), errors.Is(err, audio.ErrNoUtterance):
		s.logger.Debug("Dropping frame", slog.String("error", err.Error()))
	default:
		s.logger.Warn("Audio input failed", slog.String("error", err.Error()))
		s.assembler.Discard()
		s.recorder.RecordUtteranceDropped("invalid_input")
		if s.machine.fire(TriggerSpeechDiscard) {
			s.sendError(ctx, CodeInvalidInput, "Audio input failed, please try again", true)
			s.sendStatus(ctx, protocol.StatusIdle, "")
		}
	}
}

func (s *Session) onControl(ctx context.Context, cmd protocol.ControlCommand) {
	switch cmd.Name {
	case protocol.ControlSpeechStart:
		id, _ := cmd.StringParam("utterance_id")
		s.speechStart(ctx, id)
	case protocol.ControlSpeechEnd:
		id, _ := cmd.StringParam("utterance_id")
		ms, _ := cmd.FloatParam("duration_ms")
		s.speechEnd(ctx, id, time.Duration(ms*float64(time.Millisecond)))
	case protocol.ControlInterrupt:
		s.interrupt(ctx)
	case protocol.ControlSetParam:
		name, _ := cmd.StringParam("name")
		value, ok := cmd.FloatParam("value")
		if !ok {
			s.sendError(ctx, CodeInvalidParam, fmt.Sprintf("set_param %q needs a numeric value", name), false)
			return
		}
		s.setParam(ctx, name, value)
	case protocol.ControlSetTTSSpeed:
		speed, ok := cmd.FloatParam("speed")
		if !ok {
			s.sendError(ctx, CodeInvalidParam, "set_tts_speed needs a numeric speed", false)
			return
		}
		s.setParam(ctx, protocol.ParamPlaybackSpeed, speed)
	case protocol.ControlPlaybackComplete:
		id, _ := cmd.StringParam("response_id")
		s.playbackComplete(ctx, id)
	case protocol.ControlSay:
		text, _ := cmd.StringParam("text")
		s.say(ctx, text)
	default:
		s.logger.Warn("Unknown control command", slog.String("name", cmd.Name))
		s.sendError(ctx, CodeUnknownControl, fmt.Sprintf("unknown control %q", cmd.Name), false)
	}
}

func (s *Session) speechStart(ctx context.Context, utteranceID string) {
	switch s.machine.state {
	case Processing:
		// Speech while the reply is being prepared is not a barge-in.
		s.logger.Debug("Ignoring speech start while processing")
		return
	case Listening:
		s.logger.Debug("Speech start while listening, restarting utterance")
	case Speaking:
		s.bargeIn(ctx)
	}
	if s.machine.state != Listening && !s.machine.fire(TriggerSpeechStart) {
		return
	}
	if utteranceID == "" {
		utteranceID = uuid.NewString()
	}
	s.assembler.Open(utteranceID)
	s.vadSeq = 0
	s.sendStatus(ctx, protocol.StatusListening, "")
}

func (s *Session) speechEnd(ctx context.Context, utteranceID string, duration time.Duration) {
	if s.machine.state != Listening {
		return
	}
	active, open := s.assembler.Active()
	if !open || (utteranceID != "" && utteranceID != active) {
		s.logger.Debug("Ignoring speech end for another utterance", slog.String("utterance_id", utteranceID))
		return
	}

	utt, err := s.assembler.Finalize(duration)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, audio.ErrTooShort):
			reason = "too_short"
		case errors.Is(err, audio.ErrEmptyUtterance):
			reason = "empty"
		}
		s.logger.Debug("Utterance discarded", slog.String("reason", reason), slog.String("error", err.Error()))
		s.speechDiscard(ctx, reason)
		return
	}

	if utt.Degraded {
		s.logger.Warn("Utterance has missing frames",
			slog.String("utterance_id", utt.ID),
			slog.Int("missing", utt.LostFrames),
		)
	}
	s.machine.fire(TriggerSpeechEnd)
	s.startTurn(utt)
}

func (s *Session) speechDiscard(ctx context.Context, reason string) {
	s.assembler.Discard()
	s.recorder.RecordUtteranceDropped(reason)
	if s.machine.fire(TriggerSpeechDiscard) {
		s.sendStatus(ctx, protocol.StatusIdle, "")
	}
}

// bargeIn stops the response being spoken. Chunks already queued for it are
// dropped by the transport writer.
func (s *Session) bargeIn(ctx context.Context) {
	t := s.turn
	if t == nil {
		return
	}
	s.logger.Info("Barge-in, interrupting response", slog.String("response_id", t.id))
	s.abortTurn("interrupted")
	s.recorder.RecordBargeIn()
	s.send(ctx, protocol.ControlCommand{
		Name:   protocol.ControlInterrupt,
		Params: map[string]any{"response_id": t.id},
	})
}

// interrupt is an explicit cancel from the client: any state goes to Idle.
func (s *Session) interrupt(ctx context.Context) {
	if s.turn != nil {
		s.abortTurn("cancelled")
	}
	s.assembler.Discard()
	if s.detector != nil {
		s.detector.Reset()
	}
	if s.machine.fire(TriggerCancel) {
		s.sendStatus(ctx, protocol.StatusIdle, "")
	}
}

func (s *Session) abortTurn(outcome string) {
	t := s.turn
	s.cancelled.add(t.id)
	t.cancel()
	s.turn = nil
	s.stopAckTimer()
	s.recordTurn(outcome)
}

func (s *Session) setParam(ctx context.Context, name string, value float64) {
	var err error
	switch name {
	case protocol.ParamVADThreshold:
		if value < 0 || value > 1 {
			err = fmt.Errorf("vad_threshold must be between 0 and 1, got %g", value)
			break
		}
		s.config.VAD.Threshold = value
		if s.detector != nil {
			err = s.detector.SetThreshold(value)
		}
	case protocol.ParamSilenceDurationMS:
		if value <= 0 {
			err = fmt.Errorf("silence_duration_ms must be positive, got %g", value)
			break
		}
		d := time.Duration(value * float64(time.Millisecond))
		s.config.VAD.SilenceDuration = d
		if s.detector != nil {
			err = s.detector.SetSilenceDuration(d)
		}
	case protocol.ParamMinSpeechDurationMS:
		if value < 0 {
			err = fmt.Errorf("min_speech_duration_ms cannot be negative, got %g", value)
			break
		}
		d := time.Duration(value * float64(time.Millisecond))
		s.config.VAD.MinSpeechDuration = d
		s.assembler.SetMinDuration(d)
		if s.detector != nil {
			err = s.detector.SetMinSpeechDuration(d)
		}
	case protocol.ParamPlaybackSpeed:
		if value < 0.25 || value > 4 {
			err = fmt.Errorf("playback_speed must be between 0.25 and 4, got %g", value)
			break
		}
		s.voice.Speed = value
	default:
		err = fmt.Errorf("unknown parameter %q", name)
	}

	if err != nil {
		s.sendError(ctx, CodeInvalidParam, err.Error(), false)
		return
	}
	s.logger.Info("Parameter updated", slog.String("name", name), slog.Float64("value", value))
}

func (s *Session) playbackComplete(ctx context.Context, responseID string) {
	t := s.turn
	if t == nil || s.machine.state != Speaking {
		return
	}
	if responseID != "" && responseID != t.id {
		s.logger.Debug("Ignoring acknowledgement of a stale response", slog.String("response_id", responseID))
		return
	}
	t.acked = true
	if t.done {
		s.finishTurn(ctx, TriggerResponseDone, "completed")
	}
}

func (s *Session) say(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		s.sendError(ctx, CodeInvalidParam, "say needs text", false)
		return
	}
	if !s.machine.fire(TriggerSay) {
		s.sendError(ctx, CodeBusy, fmt.Sprintf("cannot speak while %s", s.machine.state), true)
		return
	}
	t := s.newTurn()
	voice := s.voice
	s.turns.Add(1)
	go func(tctx context.Context) {
		defer s.turns.Done()
		res, generated, err := s.speak(tctx, t.id, voice, func(ctx context.Context, h coordinator.Handler) (coordinator.Result, error) {
			return s.deps.Coordinator.Say(ctx, t.id, text, voice, h)
		})
		s.post(s.loopCtx, turnDoneEvent{turnID: t.id, result: res, text: generated, err: err})
	}(s.turnCtx(t))
}

func (s *Session) newTurn() *turn {
	t := &turn{id: uuid.NewString(), speechEnded: time.Now()}
	s.turn = t
	s.recorder.RecordTurn("started")
	s.mu.Lock()
	s.info.Turns++
	s.mu.Unlock()
	return t
}

func (s *Session) turnCtx(t *turn) context.Context {
	ctx, cancel := context.WithCancel(s.loopCtx)
	t.cancel = cancel
	return ctx
}

func (s *Session) startTurn(utt *audio.Utterance) {
	t := s.newTurn()
	prompt := provider.PromptContext{
		SystemPrompt: s.config.SystemPrompt,
		History:      s.history.Snapshot(),
	}
	voice := s.voice
	s.turns.Add(1)
	go func(tctx context.Context) {
		defer s.turns.Done()
		s.runTurn(tctx, t.id, utt, prompt, voice)
	}(s.turnCtx(t))
}

// runTurn transcribes, generates and speaks one reply. It runs on its own
// goroutine and reports back to the loop when finished.
func (s *Session) runTurn(ctx context.Context, responseID string, utt *audio.Utterance, prompt provider.PromptContext, voice provider.VoiceParams) {
	done := turnDoneEvent{turnID: responseID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Turn panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			done.err = fmt.Errorf("turn panic: %v", r)
		}
		s.post(s.loopCtx, done)
	}()
	logger := s.logger.With(slog.String("response_id", responseID))

	if err := s.sendStatus(ctx, protocol.StatusTranscribing, responseID); err != nil {
		done.err = err
		return
	}
	tctx, cancel := context.WithTimeout(ctx, s.config.TranscribeTimeout)
	text, err := s.deps.Transcriber.Transcribe(tctx, utt.Audio, utt.Format)
	cancel()
	text = strings.TrimSpace(text)
	switch {
	case errors.Is(err, provider.ErrEmptyTranscript) || (err == nil && text == ""):
		done.err = errEmptyTranscript
		return
	case err != nil:
		done.err = &stageError{code: CodeTranscriptionFailed, err: fmt.Errorf("transcription failed: %w", err)}
		return
	}
	done.userText = text
	logger.Info("Utterance transcribed",
		slog.String("utterance_id", utt.ID),
		slog.Duration("speech_duration", utt.SpeechDuration),
		slog.Int("characters", len(text)),
	)
	if err := s.send(ctx, protocol.TranscriptUpdate{Role: protocol.RoleUser, Text: text, ResponseID: responseID, Final: true}); err != nil {
		done.err = err
		return
	}

	if err := s.sendStatus(ctx, protocol.StatusThinking, responseID); err != nil {
		done.err = err
		return
	}
	prompt.UserText = text
	stream, err := s.deps.Generator.Stream(ctx, prompt)
	if err != nil {
		done.err = &stageError{code: CodeGenerationFailed, err: fmt.Errorf("%w: %w", coordinator.ErrGeneration, err)}
		return
	}
	done.result, done.text, done.err = s.speak(ctx, responseID, voice, func(ctx context.Context, h coordinator.Handler) (coordinator.Result, error) {
		return s.deps.Coordinator.Respond(ctx, responseID, stream, voice, h)
	})
}

// speak streams a response to the client: partial assistant transcripts,
// the synthesizing status, and ordered audio chunks. The first chunk waits
// for the loop to enter Speaking.
func (s *Session) speak(ctx context.Context, responseID string, voice provider.VoiceParams, run func(context.Context, coordinator.Handler) (coordinator.Result, error)) (coordinator.Result, string, error) {
	var (
		mu        sync.Mutex
		generated strings.Builder
		announce  sync.Once
		started   bool
	)
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	// A fatal send from a callback stops the response; Run ends the session.
	check := func(err error) {
		if isFatalSend(err) {
			abort(err)
		}
	}
	h := coordinator.Handler{
		OnToken: func(token string) {
			mu.Lock()
			generated.WriteString(token)
			text := generated.String()
			mu.Unlock()
			check(s.send(ctx, protocol.TranscriptUpdate{Role: protocol.RoleAssistant, Text: text, ResponseID: responseID}))
		},
		OnSegment: func(segment.Segment) {
			announce.Do(func() { check(s.sendStatus(ctx, protocol.StatusSynthesizing, responseID)) })
		},
		OnChunk: func(ctx context.Context, c coordinator.Chunk) error {
			if !started {
				if err := s.awaitFirstChunk(ctx, responseID); err != nil {
					return err
				}
				started = true
			}
			return s.send(ctx, protocol.AudioChunkOut{
				ResponseID:   c.ResponseID,
				SegmentIndex: c.Index,
				Format:       c.Format,
				Data:         c.Data,
				Placeholder:  c.Placeholder,
				Terminal:     c.Terminal,
			})
		},
	}

	res, err := run(ctx, h)
	mu.Lock()
	text := generated.String()
	mu.Unlock()
	if cause := context.Cause(ctx); isFatalSend(cause) {
		return res, text, cause
	}
	if err != nil {
		if errors.Is(err, coordinator.ErrGeneration) {
			err = &stageError{code: CodeGenerationFailed, err: err}
		}
		return res, text, err
	}
	if text == "" {
		text = res.Text
	}
	if text != "" {
		err = s.send(ctx, protocol.TranscriptUpdate{Role: protocol.RoleAssistant, Text: text, ResponseID: responseID, Final: true})
	}
	return res, text, err
}

func (s *Session) awaitFirstChunk(ctx context.Context, responseID string) error {
	reply := make(chan bool, 1)
	if err := s.post(ctx, firstChunkEvent{turnID: responseID, reply: reply}); err != nil {
		return err
	}
	select {
	case ok := <-reply:
		if !ok {
			return errSuperseded
		}
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Session) onFirstChunk(ctx context.Context, responseID string) bool {
	t := s.turn
	if t == nil || t.id != responseID || !s.machine.fire(TriggerFirstChunk) {
		return false
	}
	s.recorder.RecordFirstAudio(time.Since(t.speechEnded))
	s.sendStatus(ctx, protocol.StatusSpeaking, responseID)
	return true
}

func (s *Session) onTurnDone(ctx context.Context, e turnDoneEvent) {
	t := s.turn
	if t == nil || t.id != e.turnID {
		// Superseded by barge-in or interrupt; already accounted for.
		return
	}
	logger := s.logger.With(slog.String("response_id", t.id))

	var stage *stageError
	switch {
	case errors.Is(e.err, transport.ErrBackpressure), errors.Is(e.err, transport.ErrClosed):
		s.sendErr = e.err
	case errors.Is(e.err, errEmptyTranscript):
		logger.Info("Empty transcript")
		s.sendError(ctx, CodeEmptyTranscript, msgEmptyTranscript, true)
		s.finishTurn(ctx, TriggerFailure, "empty")
	case errors.As(e.err, &stage):
		logger.Warn("Turn failed", slog.String("code", stage.code), slog.String("error", stage.err.Error()))
		s.sendError(ctx, stage.code, stage.Error(), provider.IsTransient(stage.err))
		s.finishTurn(ctx, TriggerFailure, "failed")
	case e.err != nil:
		logger.Warn("Response failed", slog.String("error", e.err.Error()))
		s.sendError(ctx, CodeResponseFailed, e.err.Error(), false)
		s.finishTurn(ctx, TriggerFailure, "failed")
	case e.result.Emitted == 0:
		logger.Info("Nothing to say")
		s.finishTurn(ctx, TriggerFailure, "empty")
	default:
		// Only replies that were fully streamed become context.
		s.history.Add(provider.RoleUser, e.userText)
		s.history.Add(provider.RoleAssistant, e.text)
		t.done = true
		logger.Info("Response streamed",
			slog.Int("segments", e.result.Segments),
			slog.Int("placeholders", e.result.Placeholders),
		)
		if t.acked {
			s.finishTurn(ctx, TriggerResponseDone, "completed")
			return
		}
		s.ackTimer = time.NewTimer(s.config.PlaybackAckTimeout)
		s.ackC = s.ackTimer.C
	}
}

// finishTurn ends the current turn through trigger and reports idle.
func (s *Session) finishTurn(ctx context.Context, trigger Trigger, outcome string) {
	s.stopAckTimer()
	if s.turn != nil {
		s.turn.cancel()
		s.turn = nil
	}
	if !s.machine.fire(trigger) {
		return
	}
	s.recordTurn(outcome)
	if trigger == TriggerFailure {
		s.sendStatus(ctx, protocol.StatusError, "")
	}
	s.sendStatus(ctx, protocol.StatusIdle, "")
}

func (s *Session) recordTurn(outcome string) {
	s.recorder.RecordTurn(outcome)
	s.mu.Lock()
	switch outcome {
	case "completed":
		s.info.Completed++
	case "interrupted", "cancelled":
		s.info.Interrupted++
	default:
		s.info.Failed++
	}
	s.mu.Unlock()
}

func (s *Session) stopAckTimer() {
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	s.ackC = nil
}

func (s *Session) currentResponse() string {
	if s.turn == nil {
		return ""
	}
	return s.turn.id
}

// post hands an event to the loop.
func (s *Session) post(ctx context.Context, ev loopEvent) error {
	select {
	case s.internal <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send queues an event for the client. Backpressure and a closed transport
// are fatal to the session.
func (s *Session) send(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.conn.Send(ctx, protocol.Message{SessionID: s.ID, Event: ev})
	if err != nil {
		return err
	}
	s.recorder.RecordMessageOut(string(ev.Type()))
	return nil
}

// sendStatus and sendError may run on the loop, where a fatal send error
// is recorded for Run to return.
func (s *Session) sendStatus(ctx context.Context, status protocol.Status, responseID string) error {
	err := s.send(ctx, protocol.StatusUpdate{Status: status, ResponseID: responseID})
	s.noteSendErr(ctx, err)
	return err
}

func (s *Session) sendError(ctx context.Context, code, message string, retryable bool) {
	s.noteSendErr(ctx, s.send(ctx, protocol.ErrorEvent{Code: code, Message: message, Retryable: retryable}))
}

func (s *Session) noteSendErr(ctx context.Context, err error) {
	if err == nil || ctx != s.loopCtx {
		return
	}
	if isFatalSend(err) {
		s.sendErr = err
	}
}

func isFatalSend(err error) bool {
	return errors.Is(err, transport.ErrBackpressure) || errors.Is(err, transport.ErrClosed)
}

// dropStale is the transport drop predicate: nothing tagged with a
// cancelled response reaches the wire, so a superseded turn cannot speak
// after the state change that ended it.
func (s *Session) dropStale(m protocol.Message) bool {
	id := responseOf(m.Event)
	return id != "" && s.cancelled.has(id)
}

func responseOf(ev protocol.Event) string {
	switch e := ev.(type) {
	case protocol.AudioChunkOut:
		return e.ResponseID
	case protocol.TranscriptUpdate:
		return e.ResponseID
	case protocol.StatusUpdate:
		return e.ResponseID
	default:
		return ""
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.info.LastActivity = time.Now()
	s.mu.Unlock()
}

// publish refreshes the monitoring snapshot from loop-owned state.
func (s *Session) publish() {
	asm := s.assembler.Stats()
	var vs *vad.Stats
	if s.detector != nil {
		st := s.detector.GetStats()
		vs = &st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.State = s.machine.state.String()
	s.info.ResponseID = s.currentResponse()
	s.info.HistoryLen = s.history.Len()
	s.info.VADThreshold = s.config.VAD.Threshold
	s.info.Speed = s.voice.Speed
	s.info.Assembler = asm
	s.info.VAD = vs
}

// Info returns the latest monitoring snapshot.
func (s *Session) Info() Info {
	s.mu.RLock()
	info := s.info
	s.mu.RUnlock()
	info.Transport = s.conn.Stats()
	info.Duration = time.Since(info.CreatedAt)
	return info
}

// LastActivity returns when the client last sent a message.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.LastActivity
}

// stageError tags a failed turn with the error code for the client.
type stageError struct {
	code string
	err  error
}

func (e *stageError) Error() string { return e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

// responseSet remembers a bounded number of response ids. It is read by the
// transport writer and written by the loop.
type responseSet struct {
	mu    sync.RWMutex
	max   int
	ids   map[string]struct{}
	order []string
}

func newResponseSet(max int) *responseSet {
	return &responseSet{max: max, ids: make(map[string]struct{})}
}

func (r *responseSet) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.max {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *responseSet) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}
