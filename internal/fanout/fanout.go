// Package fanout propagates committed mutation results to other viewers of
// the same abstract over Redis pub/sub. One channel per abstract keeps
// emission order within an abstract; nothing is ordered across abstracts.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message carries one committed mutation result. SessionID identifies the
// originating connection so subscribers can skip their own echo.
type Message struct {
	AbstractID string          `json:"abstractId"`
	SessionID  string          `json:"sessionId,omitempty"`
	Op         string          `json:"op"`
	Result     json.RawMessage `json:"result"`
}

// Broker publishes and subscribes on per-abstract channels.
type Broker struct {
	client *redis.Client
	prefix string
}

func NewBroker(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Broker{client: client, prefix: "abstract:"}, nil
}

// NewBrokerWithClient creates a broker from an existing Redis client.
func NewBrokerWithClient(client *redis.Client) *Broker {
	return &Broker{client: client, prefix: "abstract:"}
}

func (b *Broker) channel(abstractID string) string {
	return b.prefix + abstractID
}

// Publish sends one message on the abstract's channel. Callers invoke it
// only after the store transaction commits; failed mutations never reach
// other viewers.
func (b *Broker) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal fanout message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(msg.AbstractID), payload).Err(); err != nil {
		return fmt.Errorf("publish fanout message: %w", err)
	}
	return nil
}

// Subscription streams decoded messages for a set of abstracts. Abstracts
// can be added and removed while the subscription is live.
type Subscription struct {
	broker *Broker
	pubsub *redis.PubSub
	ch     chan Message
}

func (b *Broker) Subscribe(ctx context.Context, abstractIDs ...string) *Subscription {
	channels := make([]string, 0, len(abstractIDs))
	for _, id := range abstractIDs {
		channels = append(channels, b.channel(id))
	}
	pubsub := b.client.Subscribe(ctx, channels...)

	sub := &Subscription{broker: b, pubsub: pubsub, ch: make(chan Message, 16)}
	go sub.pump()
	return sub
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for raw := range s.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			continue
		}
		s.ch <- msg
	}
}

// Messages yields decoded messages until the subscription closes.
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

func (s *Subscription) Add(ctx context.Context, abstractID string) error {
	if err := s.pubsub.Subscribe(ctx, s.broker.channel(abstractID)); err != nil {
		return fmt.Errorf("subscribe abstract: %w", err)
	}
	return nil
}

func (s *Subscription) Remove(ctx context.Context, abstractID string) error {
	if err := s.pubsub.Unsubscribe(ctx, s.broker.channel(abstractID)); err != nil {
		return fmt.Errorf("unsubscribe abstract: %w", err)
	}
	return nil
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Close closes the underlying Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Ping checks if Redis is reachable
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
