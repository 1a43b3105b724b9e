// Package ws serves the notifications WebSocket.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/metrics"
	"github.com/gerychhh/germify/internal/models"
	"github.com/gerychhh/germify/internal/protocol"
	"github.com/gerychhh/germify/internal/registry"
)

// CloseUnauthorized is sent when the handshake carries no valid identity.
const CloseUnauthorized = 4401

// Authenticator resolves the user behind a handshake request.
type Authenticator interface {
	Authenticate(r *http.Request) (models.User, error)
}

// Ledger is the unread state the socket reads and resets.
type Ledger interface {
	EnsureUser(ctx context.Context, user models.User) error
	UnreadTotal(ctx context.Context, userID int64) (int, error)
	MarkRead(ctx context.Context, userID, conversationID int64, upTo *int64) (bool, error)
	MarkReadMessages(ctx context.Context, userID int64, messageIDs []int64) (int, error)
	MarkAllRead(ctx context.Context, userID int64) (int, error)
}

// Options tunes keepalive and buffering.
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxFrameSize   int64
	AllowedOrigins []string
}

// DefaultOptions returns production settings.
func DefaultOptions() Options {
	return Options{
		PingInterval: 50 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
		SendBuffer:   256,
		MaxFrameSize: 4096,
	}
}

// Handler upgrades requests to notification sockets.
type Handler struct {
	auth     Authenticator
	ledger   Ledger
	registry *registry.Registry
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates the notifications socket handler.
func NewHandler(auth Authenticator, ledger Ledger, reg *registry.Registry, opts Options, logger zerolog.Logger) *Handler {
	h := &Handler{
		auth:     auth,
		ledger:   ledger,
		registry: reg,
		opts:     opts,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates, upgrades, registers the connection and runs its
// read loop until the peer goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, authErr := h.auth.Authenticate(r)

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	if authErr != nil {
		metrics.ConnectionsRejected.WithLabelValues("unauthorized").Inc()
		deadline := time.Now().Add(h.opts.WriteWait)
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"), deadline)
		wsConn.Close()
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if err := h.ledger.EnsureUser(ctx, user); err != nil {
		h.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("failed to record user")
	}

	c := newConn(user.ID, wsConn, h.opts, h.logger)
	h.registry.Register(user.ID, c)
	go c.writePump()
	defer func() {
		h.registry.Unregister(user.ID, c)
		c.Close()
	}()

	h.logger.Debug().Str("conn_id", c.ID()).Int64("user_id", user.ID).Msg("connected")
	h.pushUnread(ctx, c, nil)
	h.readPump(ctx, c)
}

// readPump handles client commands until the socket fails.
func (h *Handler) readPump(ctx context.Context, c *Conn) {
	c.ws.SetReadLimit(h.opts.MaxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		h.handle(ctx, c, cmd)
	}
}

func (h *Handler) handle(ctx context.Context, c *Conn, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CmdMarkRead:
		if cmd.Malformed {
			c.logger.Debug().Msg("ignoring malformed mark_read")
			return
		}
		var (
			updated int
			err     error
		)
		switch {
		case cmd.HasCursor():
			var ok bool
			ok, err = h.ledger.MarkRead(ctx, c.userID, *cmd.ChatID, cmd.LastID)
			if ok {
				updated = 1
			}
		case cmd.MarksAll():
			updated, err = h.ledger.MarkAllRead(ctx, c.userID)
		default:
			updated, err = h.ledger.MarkReadMessages(ctx, c.userID, cmd.IDs)
		}
		if err != nil {
			c.logger.Error().Err(err).Msg("mark_read failed")
			return
		}
		h.pushUnread(ctx, c, &updated)
	case protocol.CmdGetUnread:
		h.pushUnread(ctx, c, nil)
	}
}

func (h *Handler) pushUnread(ctx context.Context, c *Conn, updated *int) {
	total, err := h.ledger.UnreadTotal(ctx, c.userID)
	if err != nil {
		c.logger.Error().Err(err).Msg("unread total failed")
		return
	}
	payload, err := protocol.Encode(protocol.NewUnreadTotal(total, updated))
	if err != nil {
		return
	}
	if err := c.Send(payload); err != nil {
		metrics.DeliveryFailures.WithLabelValues("send").Inc()
		c.logger.Debug().Err(err).Msg("reply dropped")
	}
}
