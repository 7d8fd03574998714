package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-turn-service/internal/protocol"
)

// CloseMissingParams is the close code sent when a connection lacks its
// session parameters.
const CloseMissingParams = 4000

// wsConn is the subset of *websocket.Conn used by WSConn.
type wsConn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// WSConn carries protocol messages over a websocket. One goroutine reads,
// one writes; Send only enqueues.
type WSConn struct {
	ws     wsConn
	cfg    Config
	logger *slog.Logger

	out    chan protocol.Message
	events chan Event
	done   chan struct{}

	closeOnce  sync.Once
	closeCode  int
	closeText  string
	disconnect sync.Once
	writerDone chan struct{}
	readerDone chan struct{}
	drops      dropper
	stats      counters
}

// NewWSConn wraps an established websocket and starts its reader and
// writer.
func NewWSConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *WSConn {
	return newWSConn(ws, cfg, logger)
}

func newWSConn(ws wsConn, cfg Config, logger *slog.Logger) *WSConn {
	cfg = cfg.withDefaults()
	c := &WSConn{
		ws:         ws,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "transport")),
		out:        make(chan protocol.Message, cfg.SendQueue),
		events:     make(chan Event, cfg.EventBuffer),
		done:       make(chan struct{}),
		closeCode:  websocket.CloseNormalClosure,
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.drops.set(cfg.Drop)

	ws.SetReadLimit(cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	c.events <- Event{Kind: Connected}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Upgrader returns a websocket upgrader that accepts any origin.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// Dial connects to a websocket endpoint.
func Dial(ctx context.Context, url string, header http.Header, cfg Config, logger *slog.Logger) (*WSConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(ws, cfg, logger), nil
}

func (c *WSConn) Send(ctx context.Context, m protocol.Message) error {
	return enqueue(ctx, c.out, m, c.done, c.cfg.BackpressureTimeout, &c.stats)
}

func (c *WSConn) Events() <-chan Event { return c.events }

func (c *WSConn) Pending() int { return len(c.out) }

func (c *WSConn) Stats() Stats { return c.stats.snapshot(len(c.out)) }

func (c *WSConn) SetDrop(drop func(protocol.Message) bool) { c.drops.set(drop) }

// Close flushes nothing further, sends a normal close frame and tears the
// connection down.
func (c *WSConn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the connection with an explicit close code.
func (c *WSConn) CloseWith(code int, text string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
	select {
	case <-c.writerDone:
	case <-time.After(c.cfg.WriteTimeout):
		c.logger.Warn("Writer did not stop in time")
		_ = c.ws.Close()
	}
	return nil
}

// Done is closed once the connection starts shutting down.
func (c *WSConn) Done() <-chan struct{} { return c.done }

func (c *WSConn) readLoop() {
	defer close(c.readerDone)
	var readErr error
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		msg, err := protocol.Decode(data)
		ev := Event{Kind: Received, Message: msg}
		if err != nil {
			c.stats.malformed.Add(1)
			c.logger.Debug("Dropping malformed message", slog.String("error", err.Error()))
			ev = Event{Kind: Malformed, Err: err}
		} else {
			c.stats.received.Add(1)
		}
		select {
		case c.events <- ev:
		case <-c.done:
			c.finish(nil)
			return
		}
	}

	select {
	case <-c.done:
		// Local close; not an error.
		readErr = nil
	default:
		if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			readErr = nil
		}
	}
	c.finish(readErr)
}

// finish shuts the writer down and emits the final Disconnected event.
func (c *WSConn) finish(err error) {
	c.closeOnce.Do(func() { close(c.done) })
	c.disconnect.Do(func() {
		go func() {
			<-c.writerDone
			select {
			case c.events <- Event{Kind: Disconnected, Err: err}:
			case <-time.After(c.cfg.PongWait):
				c.logger.Warn("Nobody drained the disconnect event")
			}
			close(c.events)
		}()
	})
}

func (c *WSConn) writeLoop() {
	defer close(c.writerDone)

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText), deadline)
			_ = c.ws.Close()
			return
		case <-ping.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				c.fail(err)
				return
			}
		case m := <-c.out:
			if err := c.write(m); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *WSConn) write(m protocol.Message) error {
	if c.drops.drop(m) {
		c.stats.dropped.Add(1)
		return nil
	}
	data, err := protocol.Encode(m)
	if err != nil {
		// An unencodable message is a programming error; skip it.
		c.logger.Error("Failed to encode outbound message", slog.String("error", err.Error()))
		c.stats.dropped.Add(1)
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.stats.sent.Add(1)
	return nil
}

// fail handles a write error: the connection is dead, so stop reading too.
func (c *WSConn) fail(err error) {
	if !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("Write failed", slog.String("error", err.Error()))
	}
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.ws.Close()
}
