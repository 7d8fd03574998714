package playback

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/skypro1111/voice-turn-service/internal/audio"
)

var _ Player = (*WAVPlayer)(nil)

// pace is the slice of audio written per step when playing in real time.
const pace = 20 * time.Millisecond

// WAVPlayer "plays" into a WAV file. With Realtime set it writes at the
// audio's own rate, so an interrupt truncates the chunk the way a speaker
// would stop mid-word.
type WAVPlayer struct {
	Realtime bool

	mu     sync.Mutex
	dst    io.WriteSeeker
	writer *audio.WAVWriter
	played time.Duration
}

// NewWAVPlayer writes played audio to dst. The WAV header is written once
// the first chunk reveals the format.
func NewWAVPlayer(dst io.WriteSeeker, realtime bool) *WAVPlayer {
	return &WAVPlayer{dst: dst, Realtime: realtime}
}

func (p *WAVPlayer) Play(ctx context.Context, format audio.Format, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		w, err := audio.NewWAVWriter(p.dst, format)
		if err != nil {
			return err
		}
		p.writer = w
	} else if p.writer.Format() != format {
		return fmt.Errorf("format changed from %s to %s", p.writer.Format(), format)
	}

	if !p.Realtime {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := p.writer.Write(data)
		p.played += format.Duration(len(data))
		return err
	}

	step := format.Bytes(pace)
	if step <= 0 {
		step = len(data)
	}
	ticker := time.NewTicker(pace)
	defer ticker.Stop()
	for off := 0; off < len(data); off += step {
		end := min(off+step, len(data))
		if _, err := p.writer.Write(data[off:end]); err != nil {
			return err
		}
		p.played += format.Duration(end - off)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Played returns how much audio has been written.
func (p *WAVPlayer) Played() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

// Close finalizes the WAV header.
func (p *WAVPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
