package transport

import (
	"context"
	"sync"
	"time"

	"github.com/skypro1111/voice-turn-service/internal/protocol"
)

// outbound is a queued message, or raw bytes when raw is set.
type outbound struct {
	msg protocol.Message
	raw []byte
}

type pipeShared struct {
	done chan struct{}
	once sync.Once
}

// PipeConn is one end of an in-memory connection. Messages pass through the
// wire codec so both ends see exactly what a websocket peer would.
type PipeConn struct {
	cfg    Config
	out    chan outbound
	events chan Event
	shared *pipeShared
	peer   *PipeConn
	drops  dropper
	stats  counters
}

// Pipe returns two connected ends.
func Pipe(cfg Config) (*PipeConn, *PipeConn) {
	cfg = cfg.withDefaults()
	shared := &pipeShared{done: make(chan struct{})}
	a := newPipeEnd(cfg, shared)
	b := newPipeEnd(cfg, shared)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newPipeEnd(cfg Config, shared *pipeShared) *PipeConn {
	c := &PipeConn{
		cfg:    cfg,
		out:    make(chan outbound, cfg.SendQueue),
		events: make(chan Event, cfg.EventBuffer),
		shared: shared,
	}
	c.drops.set(cfg.Drop)
	c.events <- Event{Kind: Connected}
	return c
}

func (c *PipeConn) SetDrop(drop func(protocol.Message) bool) {
	c.drops.set(drop)
}

func (c *PipeConn) Send(ctx context.Context, m protocol.Message) error {
	return enqueue(ctx, c.out, outbound{msg: m}, c.shared.done, c.cfg.BackpressureTimeout, &c.stats)
}

// SendRaw injects undecoded bytes, for exercising malformed input.
func (c *PipeConn) SendRaw(ctx context.Context, data []byte) error {
	return enqueue(ctx, c.out, outbound{raw: data}, c.shared.done, c.cfg.BackpressureTimeout, &c.stats)
}

func (c *PipeConn) Events() <-chan Event { return c.events }

func (c *PipeConn) Pending() int { return len(c.out) }

func (c *PipeConn) Stats() Stats { return c.stats.snapshot(len(c.out)) }

// Close closes both ends.
func (c *PipeConn) Close() error {
	c.shared.once.Do(func() { close(c.shared.done) })
	return nil
}

// pump plays the writer role: it moves this end's queue through the codec
// into the peer's event stream.
func (c *PipeConn) pump() {
	defer func() {
		select {
		case c.peer.events <- Event{Kind: Disconnected}:
		case <-time.After(c.cfg.PongWait):
		}
		close(c.peer.events)
	}()

	for {
		select {
		case <-c.shared.done:
			return
		case item := <-c.out:
			data := item.raw
			if data == nil {
				if c.drops.drop(item.msg) {
					c.stats.dropped.Add(1)
					continue
				}
				encoded, err := protocol.Encode(item.msg)
				if err != nil {
					c.stats.dropped.Add(1)
					continue
				}
				data = encoded
				c.stats.sent.Add(1)
			}

			msg, err := protocol.Decode(data)
			ev := Event{Kind: Received, Message: msg}
			if err != nil {
				c.peer.stats.malformed.Add(1)
				ev = Event{Kind: Malformed, Err: err}
			} else {
				c.peer.stats.received.Add(1)
			}
			select {
			case c.peer.events <- ev:
			case <-c.shared.done:
				return
			}
		}
	}
}
