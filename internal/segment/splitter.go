package segment

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// DefaultMaxWait bounds how long text may sit without a boundary.
const DefaultMaxWait = 2 * time.Second

// Segment is one cut of response text, numbered from zero.
type Segment struct {
	Index int
	Text  string
}

// Splitter turns an append-only token stream into segments. It is
// deterministic given a tick channel and clock; pass a nil tick channel to
// use a real ticker.
type Splitter struct {
	seg     Segmenter
	maxWait time.Duration
	tick    <-chan time.Time
	now     func() time.Time

	buf   strings.Builder
	since time.Time
	next  int
}

// NewSplitter creates a splitter. A nil segmenter means Punctuation{} and a
// non-positive maxWait means DefaultMaxWait.
func NewSplitter(seg Segmenter, maxWait time.Duration, tick <-chan time.Time) *Splitter {
	if seg == nil {
		seg = Punctuation{}
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Splitter{seg: seg, maxWait: maxWait, tick: tick, now: time.Now}
}

// Run reads tokens from in until it closes, writing segments to out. The
// remainder is flushed when in closes. out is closed on return. Run returns
// ctx.Err() if cancelled.
func (s *Splitter) Run(ctx context.Context, in <-chan string, out chan<- Segment) error {
	defer close(out)

	tick := s.tick
	if tick == nil {
		interval := s.maxWait / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tok, ok := <-in:
			if !ok {
				return s.flush(ctx, out)
			}
			s.append(tok)
			if err := s.emitReady(ctx, out, false); err != nil {
				return err
			}
		case <-tick:
			if err := s.emitStale(ctx, out); err != nil {
				return err
			}
		}
	}
}

// Emitted returns how many segments have been produced so far.
func (s *Splitter) Emitted() int { return s.next }

func (s *Splitter) append(tok string) {
	if tok == "" {
		return
	}
	if strings.TrimSpace(s.buf.String()) == "" {
		s.since = s.now()
	}
	s.buf.WriteString(tok)
}

func (s *Splitter) emitReady(ctx context.Context, out chan<- Segment, final bool) error {
	for {
		buf := s.buf.String()
		cut := s.seg.Cut(buf, final)
		if cut <= 0 {
			return nil
		}
		if err := s.emitCut(ctx, out, cut); err != nil {
			return err
		}
	}
}

// emitStale cuts the buffer once it has waited maxWait without a boundary,
// preferring the last word break.
func (s *Splitter) emitStale(ctx context.Context, out chan<- Segment) error {
	buf := s.buf.String()
	if strings.TrimSpace(buf) == "" || s.now().Sub(s.since) < s.maxWait {
		return nil
	}
	cut := strings.LastIndexFunc(strings.TrimRightFunc(buf, unicode.IsSpace), unicode.IsSpace)
	if cut <= 0 || strings.TrimSpace(buf[:cut]) == "" {
		cut = len(buf)
	}
	return s.emitCut(ctx, out, cut)
}

func (s *Splitter) flush(ctx context.Context, out chan<- Segment) error {
	if err := s.emitReady(ctx, out, true); err != nil {
		return err
	}
	if strings.TrimSpace(s.buf.String()) == "" {
		return nil
	}
	return s.emitCut(ctx, out, s.buf.Len())
}

func (s *Splitter) emitCut(ctx context.Context, out chan<- Segment, cut int) error {
	buf := s.buf.String()
	text := strings.TrimSpace(buf[:cut])
	rest := buf[cut:]
	s.buf.Reset()
	s.buf.WriteString(rest)
	if strings.TrimSpace(rest) != "" {
		s.since = s.now()
	}
	if text == "" {
		return nil
	}

	seg := Segment{Index: s.next, Text: text}
	select {
	case out <- seg:
		s.next++
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
