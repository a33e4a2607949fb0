package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gezhigang000/taskbot/internal/core"
	"github.com/gezhigang000/taskbot/internal/protocol"
	"github.com/gorilla/websocket"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send queue full")
)

type Options struct {
	// SendQueue is the number of outbound messages buffered per connection.
	// A peer that falls this far behind is disconnected.
	SendQueue int
	// ReadLimit caps the size of one inbound frame.
	ReadLimit    int64
	WriteTimeout time.Duration
	// PingInterval enables WebSocket pings to keep idle viewers alive
	// through proxies. Zero disables them.
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Conn is a WebSocket with a buffered outbound queue drained by a single
// writer goroutine. Send and Close never block, so the registry may call
// them while holding its lock.
type Conn struct {
	ws     *websocket.Conn
	send   chan protocol.Envelope
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
	code   int
	reason string
	opts   Options
	logger *slog.Logger
}

var _ core.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	ws.SetReadLimit(opts.ReadLimit)
	c := &Conn{
		ws:     ws,
		send:   make(chan protocol.Envelope, opts.SendQueue),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) Send(msg protocol.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		c.logger.Warn("send queue full, dropping connection", "type", msg.Type)
		c.Close(core.CloseSlowConsumer, "slow consumer")
		return ErrSlowConsumer
	}
}

// Close asks the writer to flush what is queued, send a close frame with
// code and reason, and shut the socket. Only the first call has an effect.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		c.code = code
		c.reason = reason
		close(c.closed)
	})
}

// Wait blocks until the writer has shut the socket.
func (c *Conn) Wait() {
	<-c.done
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug("ws write failed", "err", err)
				c.Close(websocket.CloseGoingAway, "")
				return
			}
		case <-ping:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ws ping failed", "err", err)
				c.Close(websocket.CloseGoingAway, "")
				return
			}
		case <-c.closed:
			c.flush()
			frame := websocket.FormatCloseMessage(c.code, c.reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(msg protocol.Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteJSON(msg)
}
