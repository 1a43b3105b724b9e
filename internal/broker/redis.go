package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/metrics"
)

// RedisBroker fans messages out through Redis pub/sub so that every process
// holding connections receives them.
type RedisBroker struct {
	client *redis.Client
	logger zerolog.Logger
	nodeID string

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewRedisBrokerFromClient(client, logger), nil
}

// NewRedisBrokerFromClient wraps an existing client. Close closes the client.
func NewRedisBrokerFromClient(client *redis.Client, logger zerolog.Logger) *RedisBroker {
	nodeID := uuid.NewString()
	return &RedisBroker{
		client: client,
		logger: logger.With().Str("component", "broker").Str("node_id", nodeID).Logger(),
		nodeID: nodeID,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Client exposes the underlying client for other Redis consumers such as the
// rate limiter.
func (b *RedisBroker) Client() *redis.Client {
	return b.client
}

// NodeID returns the id of this process.
func (b *RedisBroker) NodeID() string { return b.nodeID }

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends payload on topic.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	start := time.Now()
	err := b.client.Publish(ctx, topic, payload).Err()
	metrics.BrokerLatency.Observe(time.Since(start).Seconds())
	return err
}

// Subscribe subscribes to topic and waits for Redis to confirm the
// subscription before returning.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer b.release(ps)

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	b.logger.Debug().Str("topic", topic).Msg("subscribed")
	return out, nil
}

func (b *RedisBroker) release(ps *redis.PubSub) {
	b.mu.Lock()
	_, ok := b.subs[ps]
	delete(b.subs, ps)
	b.mu.Unlock()
	if ok {
		ps.Close()
	}
}

// Close ends every subscription and closes the client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for ps := range subs {
		ps.Close()
	}
	return b.client.Close()
}
