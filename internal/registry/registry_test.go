package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      string
	mu      sync.Mutex
	sent    [][]byte
	failing bool
	closed  bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing || c.closed {
		return errors.New("connection gone")
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSendToFansOutToEveryConnection(t *testing.T) {
	r := New(zerolog.Nop())
	a1 := &fakeConn{id: "a1"}
	a2 := &fakeConn{id: "a2"}
	b := &fakeConn{id: "b"}
	r.Register(1, a1)
	r.Register(1, a2)
	r.Register(2, b)

	n := r.SendTo(1, []byte(`{"type":"unread_total","count":3}`))

	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{[]byte(`{"type":"unread_total","count":3}`)}, a1.received())
	assert.Equal(t, a1.received(), a2.received())
	assert.Empty(t, b.received())
}

func TestSendToUnknownUserIsSilent(t *testing.T) {
	r := New(zerolog.Nop())
	assert.Equal(t, 0, r.SendTo(42, []byte("x")))
}

func TestFailingConnectionIsEvicted(t *testing.T) {
	r := New(zerolog.Nop())
	good := &fakeConn{id: "good"}
	bad := &fakeConn{id: "bad", failing: true}
	r.Register(1, good)
	r.Register(1, bad)

	n := r.SendTo(1, []byte("hello"))

	assert.Equal(t, 1, n)
	assert.Len(t, good.received(), 1)
	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, r.Count(1))

	r.SendTo(1, []byte("again"))
	assert.Len(t, good.received(), 2)
}

func TestUnregister(t *testing.T) {
	r := New(zerolog.Nop())
	c := &fakeConn{id: "c"}
	r.Register(7, c)
	r.Register(7, c)
	assert.Equal(t, 1, r.Len())

	assert.False(t, r.Unregister(8, c))
	assert.True(t, r.Unregister(7, c))
	assert.False(t, r.Unregister(7, c))
	assert.Equal(t, 0, r.Count(7))
	assert.Equal(t, 0, r.Users())
}

func TestCloseAll(t *testing.T) {
	r := New(zerolog.Nop())
	conns := []*fakeConn{{id: "1"}, {id: "2"}, {id: "3"}}
	for i, c := range conns {
		r.Register(int64(i%2), c)
	}

	r.CloseAll()

	assert.Equal(t, 0, r.Len())
	for _, c := range conns {
		assert.True(t, c.isClosed())
	}
}

func TestConcurrentRegisterAndSend(t *testing.T) {
	r := New(zerolog.Nop())
	const users, perUser = 10, 5

	var wg sync.WaitGroup
	conns := make([]*fakeConn, 0, users*perUser)
	var connsMu sync.Mutex
	for u := 0; u < users; u++ {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(u, i int) {
				defer wg.Done()
				c := &fakeConn{id: fmt.Sprintf("%d-%d", u, i)}
				connsMu.Lock()
				conns = append(conns, c)
				connsMu.Unlock()
				r.Register(int64(u), c)
				r.SendTo(int64(u), []byte("ping"))
			}(u, i)
		}
	}
	wg.Wait()

	require.Equal(t, users*perUser, r.Len())
	assert.Equal(t, users, r.Users())

	for u := 0; u < users; u++ {
		assert.Equal(t, perUser, r.SendTo(int64(u), []byte("final")))
	}
	for _, c := range conns {
		got := c.received()
		require.NotEmpty(t, got)
		assert.Equal(t, "final", string(got[len(got)-1]))
	}
}
