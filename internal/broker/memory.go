package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const subscriptionBuffer = 1024

// MemoryBroker delivers messages inside one process.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	nodeID string
	closed bool
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[string]map[*memorySub]struct{}),
		nodeID: uuid.NewString(),
	}
}

// NodeID returns the id of this broker instance.
func (b *MemoryBroker) NodeID() string { return b.nodeID }

// Publish hands payload to every subscriber of topic. It blocks while a
// subscriber's buffer is full, until ctx is done.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- payload:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscription that lives until ctx is done.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	sub := &memorySub{
		ch:   make(chan []byte, subscriptionBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*memorySub]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer b.remove(topic, sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case payload := <-sub.ch:
				select {
				case out <- payload:
				case <-ctx.Done():
					return
				case <-sub.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) remove(topic string, sub *memorySub) {
	sub.stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.stop()
		}
	}
	return nil
}
