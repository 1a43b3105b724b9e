package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/broker"
	"github.com/gerychhh/germify/internal/protocol"
)

// Topic is the broker topic carrying per-user events.
const Topic = "germify:notifications"

// Deliverer hands one event to the transport that reaches userID's
// connections.
type Deliverer interface {
	Deliver(ctx context.Context, userID int64, event protocol.Event) error
}

// Envelope is the broker message: an encoded event addressed to one user.
type Envelope struct {
	Origin string          `json:"origin"`
	UserID int64           `json:"user_id"`
	Event  json.RawMessage `json:"event"`
}

// BrokerDeliverer publishes events on the broker so that the relay of every
// process can push them to local connections.
type BrokerDeliverer struct {
	broker broker.Broker
	topic  string
}

// NewBrokerDeliverer creates a deliverer publishing on Topic.
func NewBrokerDeliverer(b broker.Broker) *BrokerDeliverer {
	return &BrokerDeliverer{broker: b, topic: Topic}
}

// Deliver encodes event and publishes it.
func (d *BrokerDeliverer) Deliver(ctx context.Context, userID int64, event protocol.Event) error {
	frame, err := protocol.Encode(event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{Origin: d.broker.NodeID(), UserID: userID, Event: frame})
	if err != nil {
		return err
	}
	return d.broker.Publish(ctx, d.topic, payload)
}

// Sender is the part of the connection registry the relay needs.
type Sender interface {
	SendTo(userID int64, payload []byte) int
}

// Relay consumes envelopes from the broker and pushes them to the
// connections registered in this process.
type Relay struct {
	broker broker.Broker
	sender Sender
	topic  string
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewRelay creates a relay for Topic.
func NewRelay(b broker.Broker, sender Sender, logger zerolog.Logger) *Relay {
	return &Relay{
		broker: b,
		sender: sender,
		topic:  Topic,
		logger: logger.With().Str("component", "relay").Logger(),
	}
}

// Start subscribes and begins relaying in the background. The subscription
// is live when Start returns. Relaying stops when ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	ch, err := r.broker.Subscribe(ctx, r.topic)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for payload := range ch {
			r.handle(payload)
		}
		r.logger.Info().Msg("relay stopped")
	}()
	return nil
}

// Wait blocks until the relay goroutine has exited.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) handle(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}
	if env.UserID == 0 || len(env.Event) == 0 {
		return
	}
	r.sender.SendTo(env.UserID, env.Event)
}
