package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
)

var (
	// ErrClosed is returned by Send after the connection closed
	ErrClosed = errors.New("connection closed")

	// ErrBufferFull is returned by Send when the viewer is too far behind
	ErrBufferFull = errors.New("send buffer full")
)

// ConnOptions bounds a viewer connection
type ConnOptions struct {
	// MaxMessageSize is the largest message accepted from the viewer
	MaxMessageSize int64

	// MaxBufferedBytes caps the bytes queued but not yet written
	MaxBufferedBytes int

	// QueueLength caps the number of messages queued
	QueueLength int

	// IdleTimeout closes a connection that sent nothing, pongs included
	IdleTimeout time.Duration

	// WriteTimeout bounds a single write
	WriteTimeout time.Duration
}

// DefaultConnOptions returns the limits used when none are configured
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		MaxMessageSize:   64 << 20,
		MaxBufferedBytes: 64 << 20,
		QueueLength:      64,
		IdleTimeout:      12 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

func (o ConnOptions) withDefaults() ConnOptions {
	d := DefaultConnOptions()
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.MaxBufferedBytes <= 0 {
		o.MaxBufferedBytes = d.MaxBufferedBytes
	}
	if o.QueueLength <= 0 {
		o.QueueLength = d.QueueLength
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	return o
}

// Conn is one viewer's WebSocket. Messages queued with Send are written by
// a dedicated goroutine so a slow viewer never blocks the broadcaster.
type Conn struct {
	id   string
	ws   *websocket.Conn
	opts ConnOptions

	send      chan []byte
	buffered  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
	closedBy  atomic.Bool
	closeErr  error
}

func newConn(ws *websocket.Conn, opts ConnOptions) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		opts: opts,
		send: make(chan []byte, opts.QueueLength),
		done: make(chan struct{}),
	}
}

// ID returns the connection's unique id
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the viewer's address
func (c *Conn) RemoteAddr() string {
	if c.ws == nil {
		return ""
	}
	return c.ws.RemoteAddr().String()
}

// Send queues data as one binary message. It never blocks.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	n := int64(len(data))
	if c.buffered.Add(n) > int64(c.opts.MaxBufferedBytes) {
		c.buffered.Add(-n)
		return ErrBufferFull
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.buffered.Add(-n)
		return ErrBufferFull
	}
}

// BufferedAmount returns the bytes queued but not yet written
func (c *Conn) BufferedAmount() int {
	return int(c.buffered.Load())
}

// Close sends a normal close frame and closes the socket
func (c *Conn) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason closes the connection with the given close code
func (c *Conn) CloseWithReason(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closedBy.Store(true)
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// writePump writes queued messages and keeps the connection alive with pings
func (c *Conn) writePump() {
	log := logger.WithComponent("transport")
	ticker := time.NewTicker(c.opts.IdleTimeout / 2)
	defer ticker.Stop()

	backlogged := false
	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := c.ws.WriteMessage(websocket.BinaryMessage, data)
			remaining := c.buffered.Add(-int64(len(data)))
			if err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Write failed")
				c.Close()
				return
			}

			if remaining > 0 && len(c.send) > 0 {
				backlogged = true
			} else if backlogged && remaining == 0 {
				backlogged = false
				log.Debug().Str("client", c.id).Msg("Send queue drained")
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Ping failed")
				c.Close()
				return
			}
		}
	}
}

// readPump consumes viewer messages until the connection ends and returns
// the close code and reason.
func (c *Conn) readPump() (int, string) {
	log := logger.WithComponent("transport")

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return closeStatus(err, c.closedBy.Load())
		}
		c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

		// viewers have nothing to say yet
		log.Debug().
			Str("client", c.id).
			Int("type", kind).
			Int("bytes", len(data)).
			Msg("Ignoring viewer message")
	}
}

func closeStatus(err error, local bool) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if local {
		return websocket.CloseNormalClosure, "closed by server"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return websocket.CloseAbnormalClosure, "idle timeout"
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
