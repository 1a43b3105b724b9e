package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by Send after the connection is closed.
	ErrClosed = errors.New("ws: connection closed")
	// ErrSlowConsumer is returned by Send when the outbound buffer is full.
	ErrSlowConsumer = errors.New("ws: outbound buffer full")
)

// Conn is one authenticated notifications socket. Writes go through a
// buffered channel drained by the write pump; Send never blocks.
type Conn struct {
	id     string
	userID int64
	ws     *websocket.Conn
	opts   Options
	logger zerolog.Logger

	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newConn(userID int64, wsConn *websocket.Conn, opts Options, logger zerolog.Logger) *Conn {
	id := ulid.Make().String()
	return &Conn{
		id:     id,
		userID: userID,
		ws:     wsConn,
		opts:   opts,
		logger: logger.With().Str("conn_id", id).Int64("user_id", userID).Logger(),
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Send queues payload for the write pump.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close asks the write pump to send a close frame and release the socket.
// It never blocks on the network and is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.mu.Unlock()
	})
	return nil
}

// writePump drains the send buffer and keeps the peer alive with pings. It
// is the only writer and owns the socket teardown.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.Close()
				return
			}
		case <-c.done:
			deadline := time.Now().Add(c.opts.WriteWait)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		}
	}
}
