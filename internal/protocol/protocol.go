package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/skypro1111/voice-turn-service/internal/audio"
)

// MessageType is the wire type tag.
type MessageType string

const (
	TypeAudioChunkIn  MessageType = "audio_chunk_in"
	TypeAudioChunkOut MessageType = "audio_chunk_out"
	TypeTranscript    MessageType = "transcript"
	TypeStatus        MessageType = "status"
	TypeControl       MessageType = "control"
	TypeError         MessageType = "error"
)

// Status is a pipeline stage surfaced to the user interface.
type Status string

const (
	StatusListening    Status = "listening"
	StatusTranscribing Status = "transcribing"
	StatusThinking     Status = "thinking"
	StatusSynthesizing Status = "synthesizing"
	StatusSpeaking     Status = "speaking"
	StatusIdle         Status = "idle"
	StatusError        Status = "error"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Control command names.
const (
	ControlSetParam         = "set_param"
	ControlSetTTSSpeed      = "set_tts_speed"
	ControlInterrupt        = "interrupt"
	ControlSpeechStart      = "speech_start"
	ControlSpeechEnd        = "speech_end"
	ControlPlaybackComplete = "playback_complete"
	ControlSay              = "say"
)

// Parameter names accepted by set_param.
const (
	ParamVADThreshold        = "vad_threshold"
	ParamSilenceDurationMS   = "silence_duration_ms"
	ParamMinSpeechDurationMS = "min_speech_duration_ms"
	ParamPlaybackSpeed       = "playback_speed"
)

// Event is one of the closed set of transport events. The unexported method
// keeps the set closed to this package.
type Event interface {
	Type() MessageType
	isEvent()
}

// AudioChunkIn carries captured audio from client to server.
type AudioChunkIn struct {
	UtteranceID string       `json:"utterance_id,omitempty"`
	Sequence    uint32       `json:"-"`
	Format      audio.Format `json:"format"`
	Data        []byte       `json:"data"`
}

// AudioChunkOut carries one synthesized segment from server to client.
type AudioChunkOut struct {
	ResponseID   string       `json:"response_id"`
	SegmentIndex int          `json:"segment_index"`
	Format       audio.Format `json:"format"`
	Data         []byte       `json:"data"`
	Placeholder  bool         `json:"placeholder,omitempty"`
	Terminal     bool         `json:"-"`
}

// TranscriptUpdate carries user or assistant text.
type TranscriptUpdate struct {
	Role       string `json:"role"`
	Text       string `json:"text"`
	ResponseID string `json:"response_id,omitempty"`
	Final      bool   `json:"-"`
}

// StatusUpdate reports the current pipeline stage.
type StatusUpdate struct {
	Status     Status `json:"status"`
	ResponseID string `json:"response_id,omitempty"`
}

// ControlCommand is a named command with loosely typed parameters.
type ControlCommand struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// ErrorEvent reports a failure to the peer.
type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (AudioChunkIn) Type() MessageType     { return TypeAudioChunkIn }
func (AudioChunkOut) Type() MessageType    { return TypeAudioChunkOut }
func (TranscriptUpdate) Type() MessageType { return TypeTranscript }
func (StatusUpdate) Type() MessageType     { return TypeStatus }
func (ControlCommand) Type() MessageType   { return TypeControl }
func (ErrorEvent) Type() MessageType       { return TypeError }

func (AudioChunkIn) isEvent()     {}
func (AudioChunkOut) isEvent()    {}
func (TranscriptUpdate) isEvent() {}
func (StatusUpdate) isEvent()     {}
func (ControlCommand) isEvent()   {}
func (ErrorEvent) isEvent()       {}

// Message is an event addressed to a session.
type Message struct {
	SessionID string
	Event     Event
}

// envelope is the JSON frame on the wire.
type envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Sequence  *uint64         `json:"sequence,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	IsFinal   *bool           `json:"is_final,omitempty"`
}

// Decode error codes.
const (
	CodeInvalidJSON    = "invalid_json"
	CodeUnknownType    = "unknown_type"
	CodeInvalidPayload = "invalid_payload"
)

// DecodeError describes a message that could not be decoded. The message is
// dropped; the connection stays open.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Encode serializes a message into its JSON envelope.
func Encode(m Message) ([]byte, error) {
	if m.Event == nil {
		return nil, fmt.Errorf("message has no event")
	}
	payload, err := json.Marshal(m.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", m.Event.Type(), err)
	}

	env := envelope{
		Type:      m.Event.Type(),
		SessionID: m.SessionID,
		Payload:   payload,
	}
	switch ev := m.Event.(type) {
	case AudioChunkIn:
		seq := uint64(ev.Sequence)
		env.Sequence = &seq
	case AudioChunkOut:
		seq := uint64(ev.SegmentIndex)
		env.Sequence = &seq
		env.IsFinal = &ev.Terminal
	case TranscriptUpdate:
		env.IsFinal = &ev.Final
	}
	return json.Marshal(env)
}

// Decode parses and validates a JSON envelope.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, &DecodeError{Code: CodeInvalidJSON, Message: err.Error()}
	}
	if env.Type == "" {
		return Message{}, &DecodeError{Code: CodeInvalidJSON, Message: "missing type"}
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return Message{}, &DecodeError{Code: CodeInvalidPayload, Message: "missing payload"}
	}

	ev, err := decodePayload(env)
	if err != nil {
		return Message{}, err
	}
	if err := Validate(ev); err != nil {
		return Message{}, &DecodeError{Code: CodeInvalidPayload, Message: err.Error()}
	}
	return Message{SessionID: env.SessionID, Event: ev}, nil
}

func decodePayload(env envelope) (Event, error) {
	invalid := func(err error) error {
		return &DecodeError{Code: CodeInvalidPayload, Message: fmt.Sprintf("%s: %v", env.Type, err)}
	}
	isFinal := env.IsFinal != nil && *env.IsFinal

	switch env.Type {
	case TypeAudioChunkIn:
		var ev AudioChunkIn
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, invalid(err)
		}
		if env.Sequence == nil {
			return nil, invalid(fmt.Errorf("missing sequence"))
		}
		if *env.Sequence > uint64(^uint32(0)) {
			return nil, invalid(fmt.Errorf("sequence %d out of range", *env.Sequence))
		}
		ev.Sequence = uint32(*env.Sequence)
		return ev, nil
	case TypeAudioChunkOut:
		var ev AudioChunkOut
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, invalid(err)
		}
		ev.Terminal = isFinal
		return ev, nil
	case TypeTranscript:
		var ev TranscriptUpdate
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, invalid(err)
		}
		ev.Final = isFinal
		return ev, nil
	case TypeStatus:
		var ev StatusUpdate
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, invalid(err)
		}
		return ev, nil
	case TypeControl:
		var ev ControlCommand
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, invalid(err)
		}
		return ev, nil
	case TypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, invalid(err)
		}
		return ev, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Message: fmt.Sprintf("unknown message type %q", env.Type)}
	}
}

// Validate checks the semantic constraints of an event.
func Validate(ev Event) error {
	switch e := ev.(type) {
	case AudioChunkIn:
		if len(e.Data) == 0 {
			return fmt.Errorf("audio chunk has no data")
		}
		return e.Format.Validate()
	case AudioChunkOut:
		if e.ResponseID == "" {
			return fmt.Errorf("audio chunk missing response_id")
		}
		if e.SegmentIndex < 0 {
			return fmt.Errorf("negative segment_index %d", e.SegmentIndex)
		}
	case TranscriptUpdate:
		if e.Role != RoleUser && e.Role != RoleAssistant {
			return fmt.Errorf("invalid transcript role %q", e.Role)
		}
	case StatusUpdate:
		if !IsValidStatus(e.Status) {
			return fmt.Errorf("invalid status %q", e.Status)
		}
	case ControlCommand:
		if e.Name == "" {
			return fmt.Errorf("control command missing name")
		}
	case ErrorEvent:
		if e.Message == "" {
			return fmt.Errorf("error event missing message")
		}
	case nil:
		return fmt.Errorf("nil event")
	}
	return nil
}

// IsValidStatus reports whether s is one of the known statuses.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusListening, StatusTranscribing, StatusThinking, StatusSynthesizing,
		StatusSpeaking, StatusIdle, StatusError:
		return true
	}
	return false
}

// FloatParam returns a numeric parameter. Numbers sent as strings are
// accepted.
func (c ControlCommand) FloatParam(name string) (float64, bool) {
	v, ok := c.Params[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// StringParam returns a string parameter.
func (c ControlCommand) StringParam(name string) (string, bool) {
	v, ok := c.Params[name].(string)
	return v, ok
}

// SetParam builds a set_param command.
func SetParam(name string, value any) ControlCommand {
	return ControlCommand{Name: ControlSetParam, Params: map[string]any{"name": name, "value": value}}
}

func (a AudioChunkIn) String() string {
	return fmt.Sprintf("AudioChunkIn{Utterance:%s, Seq:%d, Format:%s, Bytes:%d}",
		a.UtteranceID, a.Sequence, a.Format, len(a.Data))
}

func (a AudioChunkOut) String() string {
	return fmt.Sprintf("AudioChunkOut{Response:%s, Segment:%d, Bytes:%d, Placeholder:%t, Terminal:%t}",
		a.ResponseID, a.SegmentIndex, len(a.Data), a.Placeholder, a.Terminal)
}
