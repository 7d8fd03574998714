// Package openai adapts the OpenAI API to the provider collaborator
// interfaces: Whisper-style transcription, streamed chat completions and
// speech synthesis returning raw PCM.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"google.golang.org/api/iterator"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/provider"
)

var (
	_ provider.Transcriber = (*Client)(nil)
	_ provider.Generator   = (*Client)(nil)
	_ provider.Synthesizer = (*Client)(nil)
	_ provider.TokenStream = (*chatStream)(nil)
)

// speechFormat is what the speech endpoint returns for the pcm response
// format.
var speechFormat = audio.Format{Codec: audio.CodecPCM16, SampleRate: 24000, Channels: 1}

// Config selects models and credentials.
type Config struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	ChatModel          string
	SpeechModel        string
	Voice              string
	Language           string
	MaxTokens          int
}

// Client implements transcription, generation and synthesis.
type Client struct {
	client oai.Client
	config Config
}

// New creates a client. Retries are left to provider.Guard.
func New(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.TranscriptionModel == "" {
		config.TranscriptionModel = string(oai.AudioModelWhisper1)
	}
	if config.ChatModel == "" {
		config.ChatModel = string(oai.ChatModelGPT4oMini)
	}
	if config.SpeechModel == "" {
		config.SpeechModel = string(oai.SpeechModelTTS1)
	}
	if config.Voice == "" {
		config.Voice = "alloy"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &Client{client: oai.NewClient(opts...), config: config}, nil
}

// Transcribe uploads the utterance, wrapped as WAV when it is raw PCM.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	data, name, contentType := pcm, "utterance."+format.Codec, "application/octet-stream"
	if format.IsPCM() {
		wav, err := audio.EncodeWAV(pcm, format)
		if err != nil {
			return "", fmt.Errorf("failed to encode utterance: %w", err)
		}
		data, name, contentType = wav, "utterance.wav", "audio/wav"
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(data), name, contentType),
		Model: oai.AudioModel(c.config.TranscriptionModel),
	}
	if c.config.Language != "" {
		params.Language = oai.String(c.config.Language)
	}

	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	return resp.Text, nil
}

// Stream opens a chat completion stream. The first chunk is read before
// returning so connection and auth failures surface here, where the guard
// can retry them.
func (c *Client) Stream(ctx context.Context, prompt provider.PromptContext) (provider.TokenStream, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(prompt.History)+2)
	if prompt.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(prompt.SystemPrompt))
	}
	for _, turn := range prompt.History {
		switch turn.Role {
		case provider.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(turn.Text))
		default:
			messages = append(messages, oai.UserMessage(turn.Text))
		}
	}
	messages = append(messages, oai.UserMessage(prompt.UserText))

	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(c.config.ChatModel),
		Messages: messages,
	}
	if c.config.MaxTokens > 0 {
		params.MaxCompletionTokens = oai.Int(int64(c.config.MaxTokens))
	}

	s := &chatStream{stream: c.client.Chat.Completions.NewStreaming(ctx, params)}
	tok, err := s.pull()
	if err != nil && err != iterator.Done {
		s.stream.Close()
		return nil, err
	}
	s.first, s.primed = tok, err == nil
	s.done = err == iterator.Done
	return s, nil
}

type chatStream struct {
	stream    *ssestream.Stream[oai.ChatCompletionChunk]
	first     string
	primed    bool
	done      bool
	closeOnce sync.Once
	closeErr  error
}

func (s *chatStream) Next() (string, error) {
	if s.primed {
		s.primed = false
		return s.first, nil
	}
	if s.done {
		return "", iterator.Done
	}
	tok, err := s.pull()
	if err == iterator.Done {
		s.done = true
	}
	return tok, err
}

// pull returns the next non-empty content delta.
func (s *chatStream) pull() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", classify(err)
	}
	return "", iterator.Done
}

// Close may be called concurrently with Next to abort a blocked read.
func (s *chatStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.stream.Close() })
	return s.closeErr
}

// Synthesize returns 24 kHz mono PCM.
func (c *Client) Synthesize(ctx context.Context, text string, voice provider.VoiceParams) ([]byte, error) {
	name := voice.Voice
	if name == "" {
		name = c.config.Voice
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(c.config.SpeechModel),
		Voice:          oai.AudioSpeechNewParamsVoice(name),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.Speed > 0 {
		params.Speed = oai.Float(clampSpeed(voice.Speed))
	}

	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("failed to read speech body: %w", err))
	}
	return pcm, nil
}

func (c *Client) OutputFormat() audio.Format { return speechFormat }

func clampSpeed(speed float64) float64 {
	switch {
	case speed < 0.25:
		return 0.25
	case speed > 4:
		return 4
	}
	return speed
}

// classify marks rate limits and server errors as transient.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			return provider.Transient(err)
		}
	}
	return err
}
