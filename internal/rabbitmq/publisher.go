package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"chatsync/internal/observability"
	"chatsync/internal/telemetry"
)

// Publisher publishes audit events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

type Config struct {
	URL      string
	Exchange string
	// AppID is stamped on every message.
	AppID string
}

// NewPublisher connects to the broker and declares a durable topic exchange.
// Without a URL, or when the broker is unreachable, it returns a publisher
// that only logs.
func NewPublisher(cfg Config, logger zerolog.Logger) Publisher {
	logger = logger.With().Str("component", "rabbitmq").Str("exchange", cfg.Exchange).Logger()
	if cfg.URL == "" {
		logger.Info().Msg("rabbitmq disabled, using noop: empty amqp url")
		return noopPublisher{reason: "empty amqp url", log: logger}
	}

	p := &amqpPublisher{cfg: cfg, log: logger, now: time.Now}
	if err := p.connect(); err != nil {
		logger.Warn().Err(err).Msg("rabbitmq disabled, using noop")
		return noopPublisher{reason: err.Error(), log: logger}
	}
	logger.Info().Msg("rabbitmq connected")
	return p
}

type amqpPublisher struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// connect dials and declares the exchange. Caller holds mu or owns p exclusively.
func (p *amqpPublisher) connect() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

// channel returns an open channel, reconnecting once if the broker dropped us.
func (p *amqpPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if ch, err := p.conn.Channel(); err == nil {
			p.ch = ch
			return ch, nil
		}
		_ = p.conn.Close()
	}
	p.log.Info().Msg("rabbitmq reconnecting")
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p.ch, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now().UTC(),
		AppId:        p.cfg.AppID,
		Body:         body,
	}
	if env, ok := envelopeOf(event); ok {
		msg.Type = env.EventType
		msg.CorrelationId = env.RequestID
	}

	ch, err := p.channel()
	if err == nil {
		err = ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, msg)
	}
	if err != nil {
		observability.IncAMQPPublishError()
		p.log.Warn().Err(err).Str("routing_key", routingKey).Msg("rabbitmq publish failed")
	}
	return err
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func envelopeOf(event any) (telemetry.AuditEnvelope, bool) {
	switch env := event.(type) {
	case telemetry.AuditEnvelope:
		return env, true
	case *telemetry.AuditEnvelope:
		if env != nil {
			return *env, true
		}
	}
	return telemetry.AuditEnvelope{}, false
}

type noopPublisher struct {
	reason string
	log    zerolog.Logger
}

func (p noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	ev := p.log.Debug().Str("routing_key", routingKey)
	if env, ok := envelopeOf(event); ok {
		ev = ev.Str("event_type", env.EventType).Str("request_id", env.RequestID).Str("action", env.Payload.Action)
	}
	ev.Msg("rabbitmq noop publish")
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	if noop, ok := p.(noopPublisher); ok {
		return noop.reason
	}
	return ""
}
