// Package broker carries rendered events between processes.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("broker closed")

// Broker is a topic based publish/subscribe transport. Messages published on
// a topic are delivered to every live subscription of that topic, in publish
// order per publisher.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of payloads. The channel is closed when ctx
	// is done or the broker is closed.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	// NodeID identifies this process among the broker's peers.
	NodeID() string
	Close() error
}
