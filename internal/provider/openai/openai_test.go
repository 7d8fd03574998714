package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/iterator"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(Config{APIKey: "test", BaseURL: server.URL + "/v1/"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for empty API key")
	}
}

func TestTranscribeUploadsWAV(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("Missing file: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if header.Filename != "utterance.wav" || string(data[:4]) != "RIFF" {
			t.Errorf("Expected WAV upload, got %s", header.Filename)
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("Expected whisper-1, got %s", r.FormValue("model"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"hello world"}`)
	})

	text, err := c.Transcribe(context.Background(), make([]byte, 3200), audio.DefaultFormat)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Expected hello world, got %q", text)
	}
}

func TestStreamCollectsDeltas(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if msgs, _ := body["messages"].([]any); len(msgs) != 3 {
			t.Errorf("Expected system, history and user messages, got %d", len(msgs))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hello", " there."} {
			fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := c.Stream(context.Background(), provider.PromptContext{
		SystemPrompt: "be brief",
		History:      []provider.Turn{{Role: provider.RoleAssistant, Text: "hi"}},
		UserText:     "hello",
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	var got string
	for {
		tok, err := stream.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		got += tok
	}
	if got != "Hello there." {
		t.Errorf("Expected Hello there., got %q", got)
	}
}

func TestRateLimitIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	})

	_, err := c.Stream(context.Background(), provider.PromptContext{UserText: "hi"})
	if !provider.IsTransient(err) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestBadRequestIsFatal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad input"}}`)
	})

	_, err := c.Synthesize(context.Background(), "hi", provider.VoiceParams{})
	if err == nil || provider.IsTransient(err) {
		t.Errorf("Expected fatal error, got %v", err)
	}
}

func TestSynthesizeReturnsPCM(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["response_format"] != "pcm" || body["voice"] != "nova" || body["speed"] != 1.5 {
			t.Errorf("Unexpected speech request %v", body)
		}
		w.Header().Set("Content-Type", "audio/pcm")
		w.Write([]byte{1, 2, 3, 4})
	})

	pcm, err := c.Synthesize(context.Background(), "hi", provider.VoiceParams{Voice: "nova", Speed: 1.5})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(pcm) != 4 {
		t.Errorf("Expected 4 bytes, got %d", len(pcm))
	}
	if c.OutputFormat().SampleRate != 24000 {
		t.Errorf("Expected 24 kHz output, got %d", c.OutputFormat().SampleRate)
	}
}
