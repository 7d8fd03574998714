package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/coordinator"
	"github.com/skypro1111/voice-turn-service/internal/protocol"
	"github.com/skypro1111/voice-turn-service/internal/provider"
	"github.com/skypro1111/voice-turn-service/internal/session"
	"github.com/skypro1111/voice-turn-service/internal/transport"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

// recordingPlayer keeps everything it was asked to play.
type recordingPlayer struct {
	mu     sync.Mutex
	chunks int
	bytes  int
}

func (p *recordingPlayer) Play(ctx context.Context, format audio.Format, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks++
	p.bytes += len(data)
	return nil
}

func (p *recordingPlayer) played() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chunks, p.bytes
}

// speech returns PCM of lead silence, a 1 kHz tone and tail silence.
func speech(lead, tone, tail time.Duration) []byte {
	f := audio.DefaultFormat
	samples := make([]int16, 0, f.Bytes(lead+tone+tail)/2)
	samples = append(samples, audio.BytesToSamples(audio.Silence(f, lead))...)
	n := f.Bytes(tone) / 2
	for i := 0; i < n; i++ {
		samples = append(samples, int16(12000*math.Sin(2*math.Pi*1000*float64(i)/float64(f.SampleRate))))
	}
	samples = append(samples, audio.BytesToSamples(audio.Silence(f, tail))...)
	return audio.SamplesToBytes(samples)
}

func TestPCMSourceFramesAndTrailingSilence(t *testing.T) {
	pcm := speech(0, 250*time.Millisecond, 0)
	src, err := NewPCMSource(pcm, audio.DefaultFormat, 100*time.Millisecond, 200*time.Millisecond, false)
	if err != nil {
		t.Fatalf("NewPCMSource failed: %v", err)
	}

	var (
		frames int
		last   time.Duration
	)
	for {
		f, err := src.ReadFrame(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if frames > 0 && f.At <= last {
			t.Errorf("Expected increasing offsets, got %v after %v", f.At, last)
		}
		last = f.At
		frames++
	}
	// 250 ms of audio plus 200 ms of silence in 100 ms frames.
	if frames != 5 {
		t.Errorf("Expected 5 frames, got %d", frames)
	}
	if src.Duration() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", src.Duration())
	}
}

func TestLoadWAVRejectsNonPCM(t *testing.T) {
	if _, err := NewPCMSource(nil, audio.Format{Codec: audio.CodecMP3}, 100*time.Millisecond, 0, false); err == nil {
		t.Error("Expected error for non-PCM input")
	}
	if _, err := LoadWAV(bytes.NewReader([]byte("not a wav")), 100*time.Millisecond, 0, false); err == nil {
		t.Error("Expected error for invalid WAV data")
	}
}

func TestCaptureSendsBoundariesAroundFrames(t *testing.T) {
	local, remote := transport.Pipe(transport.Config{})
	defer local.Close()

	c := New(local, &recordingPlayer{}, DefaultConfig(), testLogger)
	src, err := NewPCMSource(speech(300*time.Millisecond, 800*time.Millisecond, 0), audio.DefaultFormat, 100*time.Millisecond, 2*time.Second, false)
	if err != nil {
		t.Fatalf("NewPCMSource failed: %v", err)
	}

	if err := c.capture(context.Background(), src, audio.DefaultFormat); err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	var got []protocol.Event
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-remote.Events():
			if ev.Kind != transport.Received {
				continue
			}
			got = append(got, ev.Message.Event)
			if cmd, ok := ev.Message.Event.(protocol.ControlCommand); ok && cmd.Name == protocol.ControlSpeechEnd {
				done = true
			}
		case <-timeout:
			t.Fatalf("Timed out, got %d messages", len(got))
		}
	}

	start, ok := got[0].(protocol.ControlCommand)
	if !ok || start.Name != protocol.ControlSpeechStart {
		t.Fatalf("Expected speech_start first, got %#v", got[0])
	}
	id, _ := start.StringParam("utterance_id")

	frames := got[1 : len(got)-1]
	if len(frames) < 8 {
		t.Errorf("Expected at least the 8 speech frames, got %d", len(frames))
	}
	for i, ev := range frames {
		chunk, ok := ev.(protocol.AudioChunkIn)
		if !ok {
			t.Fatalf("Expected audio at %d, got %#v", i, ev)
		}
		if chunk.UtteranceID != id || chunk.Sequence != uint32(i) {
			t.Errorf("Frame %d: expected %s/%d, got %s/%d", i, id, i, chunk.UtteranceID, chunk.Sequence)
		}
	}

	end := got[len(got)-1].(protocol.ControlCommand)
	ms, _ := end.FloatParam("duration_ms")
	if ms < 700 {
		t.Errorf("Expected a speech duration near 800ms, got %vms", ms)
	}
}

func TestServerInterruptCancelsPlayback(t *testing.T) {
	local, _ := transport.Pipe(transport.Config{})
	defer local.Close()
	c := New(local, &recordingPlayer{}, DefaultConfig(), testLogger)

	c.handle(protocol.ControlCommand{Name: protocol.ControlInterrupt, Params: map[string]any{"response_id": "r1"}})
	c.handle(protocol.AudioChunkOut{ResponseID: "r1", Format: audio.DefaultFormat, Data: []byte{1, 2}})

	if c.Queue().Len() != 0 {
		t.Error("Expected audio of the interrupted response to be dropped")
	}
	if stats := c.Queue().Stats(); stats.Dropped != 1 {
		t.Errorf("Expected 1 dropped chunk, got %d", stats.Dropped)
	}
}

// textSynth returns the segment text as audio.
type textSynth struct{}

func (textSynth) OutputFormat() audio.Format { return audio.DefaultFormat }

func (textSynth) Synthesize(ctx context.Context, text string, voice provider.VoiceParams) ([]byte, error) {
	return []byte(text), nil
}

func TestTalkToSession(t *testing.T) {
	serverEnd, clientEnd := transport.Pipe(transport.Config{})

	deps := session.Deps{
		Transcriber: provider.StubTranscriber{},
		Generator:   provider.StubGenerator{Reply: "Got it. Anything else?"},
		Coordinator: coordinator.New(coordinator.DefaultConfig(), textSynth{}, nil, nil, testLogger),
	}
	s, err := session.New("talk", "u1", "c1", serverEnd, session.DefaultConfig(), deps, nil, testLogger)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go s.Run(ctx)

	player := &recordingPlayer{}
	c := New(clientEnd, player, DefaultConfig(), testLogger)
	c.config.SessionID = "talk"
	var transcripts []string
	var mu sync.Mutex
	c.OnTranscript = func(role, text string) {
		mu.Lock()
		transcripts = append(transcripts, role+": "+text)
		mu.Unlock()
	}

	src, err := NewPCMSource(speech(200*time.Millisecond, time.Second, 0), audio.DefaultFormat, 100*time.Millisecond, 2*time.Second, false)
	if err != nil {
		t.Fatalf("NewPCMSource failed: %v", err)
	}

	res, err := c.Run(ctx, src, audio.DefaultFormat)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Utterances != 1 || res.Completed != 1 {
		t.Errorf("Expected 1 utterance and 1 completed reply, got %+v", res)
	}
	if chunks, n := player.played(); chunks != 2 || n != len("Got it.")+len("Anything else?") {
		t.Errorf("Expected both sentences played, got %d chunks of %d bytes", chunks, n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transcripts) != 2 {
		t.Fatalf("Expected user and assistant transcripts, got %v", transcripts)
	}
	if transcripts[1] != "assistant: Got it. Anything else?" {
		t.Errorf("Unexpected assistant transcript %q", transcripts[1])
	}
	if info := s.Info(); info.Completed != 1 {
		t.Errorf("Expected the session to count 1 completed turn, got %d", info.Completed)
	}
}
