package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Broadcast is one ephemeral message received on a channel.
type Broadcast struct {
	Channel string
	Event   string
	Payload json.RawMessage
}

// Bus is an at-most-once, unordered publish/subscribe primitive scoped by channel name.
type Bus interface {
	Publish(ctx context.Context, channel string, event string, payload any) error
	Subscribe(ctx context.Context, channel string, handler func(Broadcast)) (cancel func(), err error)
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Payload: raw})
}

// RedisBus implements Bus on Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisBus wraps a connected client.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, log: logger.With().Str("component", "redis_bus").Logger()}
}

// Publish sends event on channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, event string, payload any) error {
	body, err := encode(event, payload)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, body).Err()
}

// Subscribe starts delivering channel messages to handler until cancel is called.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler func(Broadcast)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("malformed broadcast")
				continue
			}
			handler(Broadcast{Channel: msg.Channel, Event: env.Event, Payload: env.Payload})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				b.log.Debug().Err(err).Str("channel", channel).Msg("unsubscribe")
			}
		})
	}, nil
}

// LocalBus is an in-process Bus used when no Redis is configured. Delivery is synchronous.
type LocalBus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]func(Broadcast)
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]map[uint64]func(Broadcast))}
}

// Publish delivers event to the current subscribers of channel.
func (b *LocalBus) Publish(ctx context.Context, channel string, event string, payload any) error {
	body, err := encode(event, payload)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]func(Broadcast), 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(Broadcast{Channel: channel, Event: env.Event, Payload: env.Payload})
	}
	return nil
}

// Subscribe registers handler on channel.
func (b *LocalBus) Subscribe(ctx context.Context, channel string, handler func(Broadcast)) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	if _, ok := b.handlers[channel]; !ok {
		b.handlers[channel] = make(map[uint64]func(Broadcast))
	}
	b.handlers[channel][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if hs, ok := b.handlers[channel]; ok {
				delete(hs, id)
				if len(hs) == 0 {
					delete(b.handlers, channel)
				}
			}
		})
	}, nil
}

// Subscribers returns the number of handlers on channel.
func (b *LocalBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[channel])
}
