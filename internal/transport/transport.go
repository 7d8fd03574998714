package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voice-turn-service/internal/protocol"
)

var (
	// ErrClosed is returned by Send after the connection has closed.
	ErrClosed = errors.New("transport closed")
	// ErrBackpressure is returned by Send when the outbound queue stayed
	// full for the whole backpressure timeout.
	ErrBackpressure = errors.New("outbound queue not draining")
)

// EventKind classifies connection events.
type EventKind int

const (
	// Connected is always the first event of a connection.
	Connected EventKind = iota + 1
	// Received carries a decoded inbound message.
	Received
	// Malformed reports an inbound message that failed to decode. The
	// message is dropped and the connection stays open.
	Malformed
	// Disconnected is always the last event of a connection.
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Received:
		return "received"
	case Malformed:
		return "malformed"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is delivered on Conn.Events in arrival order.
type Event struct {
	Kind    EventKind
	Message protocol.Message
	Err     error
}

// Conn is an ordered, bidirectional message channel for one session.
type Conn interface {
	// Send queues m for delivery. It blocks while the outbound queue is
	// full and fails with ErrBackpressure once BackpressureTimeout passes.
	Send(ctx context.Context, m protocol.Message) error
	// Events delivers connection events. The channel is closed after the
	// Disconnected event.
	Events() <-chan Event
	// Pending returns the number of queued outbound messages.
	Pending() int
	// Stats returns the connection counters.
	Stats() Stats
	// SetDrop replaces the writer-side drop predicate.
	SetDrop(drop func(protocol.Message) bool)
	// Close shuts the connection down. It is safe to call more than once.
	Close() error
}

// Config tunes a connection.
type Config struct {
	SendQueue           int           // outbound queue capacity
	EventBuffer         int           // inbound event buffer
	WriteTimeout        time.Duration // per-message write deadline
	BackpressureTimeout time.Duration // how long Send waits on a full queue
	PingInterval        time.Duration
	PongWait            time.Duration // read deadline extended by each pong
	ReadLimit           int64         // maximum inbound message size

	// Drop, if set, is consulted by the writer just before each outbound
	// message is written. Messages it rejects are discarded.
	Drop func(protocol.Message) bool
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		SendQueue:           256,
		EventBuffer:         64,
		WriteTimeout:        5 * time.Second,
		BackpressureTimeout: 2 * time.Second,
		PingInterval:        20 * time.Second,
		PongWait:            60 * time.Second,
		ReadLimit:           1 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = def.BackpressureTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 3 * c.PingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	return c
}

// Stats are cumulative connection counters.
type Stats struct {
	Sent         uint64 `json:"sent"`
	Dropped      uint64 `json:"dropped"`
	Received     uint64 `json:"received"`
	Malformed    uint64 `json:"malformed"`
	Backpressure uint64 `json:"backpressure"`
	Pending      int    `json:"pending"`
}

type counters struct {
	sent, dropped, received, malformed, backpressure atomic.Uint64
}

func (c *counters) snapshot(pending int) Stats {
	return Stats{
		Sent:         c.sent.Load(),
		Dropped:      c.dropped.Load(),
		Received:     c.received.Load(),
		Malformed:    c.malformed.Load(),
		Backpressure: c.backpressure.Load(),
		Pending:      pending,
	}
}

// dropper holds a drop predicate that may be swapped while the writer runs.
type dropper struct {
	fn atomic.Pointer[func(protocol.Message) bool]
}

func (d *dropper) set(fn func(protocol.Message) bool) {
	if fn == nil {
		d.fn.Store(nil)
		return
	}
	d.fn.Store(&fn)
}

func (d *dropper) drop(m protocol.Message) bool {
	fn := d.fn.Load()
	return fn != nil && (*fn)(m)
}

// enqueue implements the blocking-with-timeout send shared by all Conn
// implementations.
func enqueue[T any](ctx context.Context, queue chan<- T, item T, done <-chan struct{}, timeout time.Duration, stats *counters) error {
	select {
	case <-done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Fast path.
	select {
	case queue <- item:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case queue <- item:
		return nil
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		stats.backpressure.Add(1)
		return ErrBackpressure
	}
}
