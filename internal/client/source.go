package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/skypro1111/voice-turn-service/internal/audio"
	"github.com/skypro1111/voice-turn-service/internal/vad"
)

var _ vad.Source = (*PCMSource)(nil)

// PCMSource replays recorded PCM as if it were captured live, frame by
// frame, followed by trailing silence so a detector can close the last
// utterance.
type PCMSource struct {
	format   audio.Format
	pcm      []byte
	frame    int
	trailing int
	realtime bool

	pos      int
	at       time.Duration
	lastRead time.Time
}

// NewPCMSource frames pcm into frameDuration slices. With realtime set,
// ReadFrame paces delivery at the audio's own rate.
func NewPCMSource(pcm []byte, format audio.Format, frameDuration, trailing time.Duration, realtime bool) (*PCMSource, error) {
	if !format.IsPCM() {
		return nil, fmt.Errorf("input must be PCM, got %s", format)
	}
	frame := format.Bytes(frameDuration)
	if frame <= 0 {
		return nil, fmt.Errorf("frame duration %v is too short", frameDuration)
	}
	return &PCMSource{
		format:   format,
		pcm:      pcm,
		frame:    frame,
		trailing: format.Bytes(trailing),
		realtime: realtime,
	}, nil
}

// LoadWAV reads a whole WAV stream into a source.
func LoadWAV(r io.Reader, frameDuration, trailing time.Duration, realtime bool) (*PCMSource, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	return NewPCMSource(pcm, format, frameDuration, trailing, realtime)
}

// Format is the format of every frame.
func (s *PCMSource) Format() audio.Format { return s.format }

// Duration is the play time of the recording, trailing silence excluded.
func (s *PCMSource) Duration() time.Duration { return s.format.Duration(len(s.pcm)) }

// ReadFrame returns the next frame, or io.EOF once the recording and the
// trailing silence are exhausted.
func (s *PCMSource) ReadFrame(ctx context.Context) (vad.Frame, error) {
	total := len(s.pcm) + s.trailing
	if s.pos >= total {
		return vad.Frame{}, io.EOF
	}
	if s.realtime && !s.lastRead.IsZero() {
		wait := time.Until(s.lastRead.Add(s.format.Duration(s.frame)))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return vad.Frame{}, ctx.Err()
			}
		}
	}
	s.lastRead = time.Now()

	end := min(s.pos+s.frame, total)
	data := make([]byte, end-s.pos)
	if s.pos < len(s.pcm) {
		copy(data, s.pcm[s.pos:min(end, len(s.pcm))])
	}
	f := vad.Frame{At: s.at, Samples: audio.BytesToSamples(data)}
	s.at += s.format.Duration(len(data))
	s.pos = end
	return f, nil
}
