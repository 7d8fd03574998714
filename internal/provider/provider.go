package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/skypro1111/voice-turn-service/internal/audio"
)

// ErrEmptyTranscript is returned when transcription produced no text.
var ErrEmptyTranscript = errors.New("empty transcript")

// Role names a conversation participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of conversation history.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// PromptContext is everything generation needs for one reply.
type PromptContext struct {
	SystemPrompt string
	History      []Turn
	UserText     string
}

// VoiceParams tune synthesis.
type VoiceParams struct {
	Voice string
	Speed float64
}

// Transcriber turns an utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error)
}

// TokenStream yields generated text incrementally. Next returns
// iterator.Done after the last token. Close releases the stream; it may be
// called more than once and concurrently with a blocked Next.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// Generator opens a streaming reply. Cancelling ctx aborts the stream.
type Generator interface {
	Stream(ctx context.Context, prompt PromptContext) (TokenStream, error)
}

// Synthesizer renders text to audio in OutputFormat.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceParams) ([]byte, error)
	OutputFormat() audio.Format
}

// TransientError marks a failure worth retrying, such as a rate limit or
// an upstream 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
