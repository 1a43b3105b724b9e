package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gerychhh/germify/internal/auth"
	"github.com/gerychhh/germify/internal/broker"
	"github.com/gerychhh/germify/internal/chat"
	"github.com/gerychhh/germify/internal/models"
	"github.com/gerychhh/germify/internal/notify"
	"github.com/gerychhh/germify/internal/registry"
	"github.com/gerychhh/germify/internal/store"
)

type env struct {
	svc      *chat.Service
	auth     *auth.Authenticator
	registry *registry.Registry
	server   *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	b := broker.NewMemoryBroker()
	t.Cleanup(func() { b.Close() })

	reg := registry.New(zerolog.Nop())
	relay := notify.NewRelay(b, reg, zerolog.Nop())
	require.NoError(t, relay.Start(ctx))

	dispatcher := notify.NewDispatcher(s, notify.JSONRenderer{}, notify.NewBrokerDeliverer(b), "/chats/", zerolog.Nop())
	svc := chat.NewService(s, dispatcher, zerolog.Nop())
	authn := auth.New("test-secret")

	opts := DefaultOptions()
	opts.PingInterval = 200 * time.Millisecond
	opts.PongWait = time.Second
	srv := httptest.NewServer(NewHandler(authn, svc, reg, opts, zerolog.Nop()))
	t.Cleanup(srv.Close)

	return &env{svc: svc, auth: authn, registry: reg, server: srv}
}

func (e *env) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *env) connect(t *testing.T, user models.User) *websocket.Conn {
	t.Helper()
	token, err := e.auth.Issue(user, time.Hour)
	require.NoError(t, err)
	conn := e.dial(t, token)

	first := readFrame(t, conn)
	require.Equal(t, "unread_total", first["type"])
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

var (
	alice = models.User{ID: 1, Username: "alice", DisplayName: "Alice"}
	bob   = models.User{ID: 2, Username: "bob"}
)

func TestUnreadRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.EnsureUser(ctx, alice))

	bobConn := e.connect(t, bob)

	msg, err := e.svc.SendDirect(ctx, alice.ID, bob.ID, "hi", nil)
	require.NoError(t, err)

	frame := readFrame(t, bobConn)
	assert.Equal(t, "message_new", frame["type"])
	assert.Equal(t, float64(msg.ID), frame["message_id"])
	assert.Equal(t, float64(1), frame["unread_total"])
	assert.Equal(t, true, frame["incoming"])
	assert.Equal(t, "alice", frame["other_username"])
	assert.Equal(t, "dm", frame["chat_kind"])

	writeFrame(t, bobConn, map[string]any{"type": "mark_read", "chat_id": msg.ConversationID, "last_id": msg.ID})
	frame = readFrame(t, bobConn)
	assert.Equal(t, "unread_total", frame["type"])
	assert.Equal(t, float64(0), frame["count"])
	assert.Equal(t, float64(1), frame["updated"])

	total, err := e.svc.UnreadTotal(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestInitialUnreadTotal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.SendDirect(ctx, alice.ID, bob.ID, "one", nil)
	require.NoError(t, err)
	_, err = e.svc.SendDirect(ctx, alice.ID, bob.ID, "two", nil)
	require.NoError(t, err)

	token, err := e.auth.Issue(bob, time.Hour)
	require.NoError(t, err)
	conn := e.dial(t, token)

	frame := readFrame(t, conn)
	assert.Equal(t, "unread_total", frame["type"])
	assert.Equal(t, float64(2), frame["count"])
	assert.NotContains(t, frame, "updated")
}

func TestUnknownAndMalformedCommandsAreIgnored(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, bob)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	writeFrame(t, conn, map[string]any{"type": "subscribe", "chat_id": 3})
	writeFrame(t, conn, map[string]any{"type": "get_unread"})

	frame := readFrame(t, conn)
	assert.Equal(t, "unread_total", frame["type"])
	assert.NotContains(t, frame, "updated")
}

func TestLegacyMarkReadWithoutIDsMarksEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.SendDirect(ctx, alice.ID, bob.ID, "one", nil)
	require.NoError(t, err)
	_, err = e.svc.SendDirect(ctx, 3, bob.ID, "two", nil)
	require.NoError(t, err)

	conn := e.connect(t, bob)
	writeFrame(t, conn, map[string]any{"type": "mark_read", "ids": []int64{}})

	frame := readFrame(t, conn)
	assert.Equal(t, float64(0), frame["count"])
	assert.Equal(t, float64(2), frame["updated"])
}

func TestInvalidMarkReadTouchesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.SendDirect(ctx, alice.ID, bob.ID, "one", nil)
	require.NoError(t, err)
	_, err = e.svc.SendDirect(ctx, 3, bob.ID, "two", nil)
	require.NoError(t, err)

	conn := e.connect(t, bob)

	// Ids that resolve to nothing still get a reply.
	writeFrame(t, conn, map[string]any{"type": "mark_read", "ids": []int64{-5, 0}})
	frame := readFrame(t, conn)
	assert.Equal(t, float64(2), frame["count"])
	assert.Equal(t, float64(0), frame["updated"])

	// A present but unusable chat id drops the command.
	writeFrame(t, conn, map[string]any{"type": "mark_read", "chat_id": 0, "last_id": 99})
	writeFrame(t, conn, map[string]any{"type": "mark_read", "chat_id": "x"})
	writeFrame(t, conn, map[string]any{"type": "get_unread"})
	frame = readFrame(t, conn)
	assert.Equal(t, float64(2), frame["count"])
	assert.NotContains(t, frame, "updated")

	total, err := e.svc.UnreadTotal(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestEveryConnectionOfAUserReceives(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.connect(t, bob)
	second := e.connect(t, bob)
	assert.Equal(t, 2, e.registry.Count(bob.ID))

	_, err := e.svc.SendDirect(ctx, alice.ID, bob.ID, "hi", nil)
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{first, second} {
		assert.Equal(t, "message_new", readFrame(t, conn)["type"])
	}
}

func TestUnauthenticatedHandshakeIsClosed(t *testing.T) {
	e := newEnv(t)

	for name, token := range map[string]string{"missing": "", "invalid": "bogus"} {
		t.Run(name, func(t *testing.T) {
			conn := e.dial(t, token)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
			_, _, err := conn.ReadMessage()

			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "got %v", err)
			assert.Equal(t, CloseUnauthorized, closeErr.Code)
		})
	}
	assert.Equal(t, 0, e.registry.Len())
}

func TestDisconnectUnregisters(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, bob)
	require.Equal(t, 1, e.registry.Count(bob.ID))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return e.registry.Count(bob.ID) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestServerCloseAllClosesSockets(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, bob)

	e.registry.CloseAll()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestRevokedMemberIsNotified(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	group, err := e.svc.CreateGroup(ctx, alice.ID, "Team", []int64{bob.ID})
	require.NoError(t, err)

	conn := e.connect(t, bob)
	require.NoError(t, e.svc.RemoveMember(ctx, alice.ID, group.ID, bob.ID))

	frame := readFrame(t, conn)
	assert.Equal(t, "chat_access_revoked", frame["type"])
	assert.Equal(t, float64(group.ID), frame["chat_id"])
	assert.Equal(t, "removed", frame["reason"])
	assert.Equal(t, "/chats/", frame["redirect_url"])
}

func TestEventsAfterShutdownAreDropped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_ = e.connect(t, bob)

	e.registry.CloseAll()
	// Sends to a user with no live connections are dropped silently.
	_, err := e.svc.SendDirect(ctx, alice.ID, bob.ID, "late", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, e.registry.Count(bob.ID))
}

func TestStalledPeerIsEvictedWithoutBlocking(t *testing.T) {
	e := newEnv(t)
	// The client never reads again, so the server's writes back up.
	_ = e.connect(t, bob)

	payload := []byte(`"` + strings.Repeat("x", 1<<20) + `"`)
	var slowest time.Duration
	evicted := false
	for i := 0; i < 5000 && !evicted; i++ {
		start := time.Now()
		n := e.registry.SendTo(bob.ID, payload)
		if d := time.Since(start); d > slowest {
			slowest = d
		}
		evicted = n == 0
	}

	require.True(t, evicted)
	assert.Less(t, slowest, time.Second)
	assert.Equal(t, 0, e.registry.Count(bob.ID))
}
