// Package registry tracks the live push connections of this process.
package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/metrics"
)

// Conn is a live connection bound to one authenticated user.
type Conn interface {
	ID() string
	// Send queues payload for delivery. It must not block on the network.
	Send(payload []byte) error
	// Close releases the connection. It must not block on the network.
	Close() error
}

type entry struct {
	userID int64
	conn   Conn
}

// Registry maps user ids to their live connections. Connections live in an
// arena keyed by connection id; byUser indexes them per user.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]entry
	byUser map[int64]map[string]struct{}
	logger zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]entry),
		byUser: make(map[int64]map[string]struct{}),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds conn under userID. Registering the same connection twice is
// a no-op.
func (r *Registry) Register(userID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, ok := r.conns[id]; ok {
		return
	}
	r.conns[id] = entry{userID: userID, conn: conn}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[id] = struct{}{}
	metrics.ConnectionsActive.Inc()
}

// Unregister removes conn. It reports whether the connection was present.
func (r *Registry) Unregister(userID int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(userID, conn.ID())
}

func (r *Registry) removeLocked(userID int64, id string) bool {
	e, ok := r.conns[id]
	if !ok || e.userID != userID {
		return false
	}
	delete(r.conns, id)
	if set, ok := r.byUser[userID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
	metrics.ConnectionsActive.Dec()
	return true
}

// SendTo delivers payload to every connection of userID and returns how many
// accepted it. Users without connections are skipped silently. A connection
// that fails is unregistered and closed; the others still receive.
func (r *Registry) SendTo(userID int64, payload []byte) int {
	r.mu.RLock()
	set := r.byUser[userID]
	targets := make([]Conn, 0, len(set))
	for id := range set {
		targets = append(targets, r.conns[id].conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			metrics.DeliveryFailures.WithLabelValues("send").Inc()
			r.logger.Debug().
				Err(err).
				Int64("user_id", userID).
				Str("conn_id", conn.ID()).
				Msg("dropping connection after failed send")
			if r.Unregister(userID, conn) {
				conn.Close()
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of live connections of userID.
func (r *Registry) Count(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Len returns the number of live connections across all users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns the number of users with at least one live connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// CloseAll unregisters and closes every connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for id, e := range r.conns {
		conns = append(conns, e.conn)
		r.removeLocked(e.userID, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		r.logger.Info().Int("connections", len(conns)).Msg("closed all connections")
	}
}
