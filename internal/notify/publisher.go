// ABOUTME: Analytics channel publishing routing events to a RabbitMQ topic exchange
// ABOUTME: Events are wrapped in a JSON envelope with id, type, time, and producer metadata

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange routing events are published to.
const DefaultExchange = "switchboard.events"

// AMQPConfig configures the analytics publisher.
type AMQPConfig struct {
	URL      string
	Exchange string
	// RoutingKey overrides the per-event key (the versioned event type).
	RoutingKey  string
	Producer    string
	PoolSize    int
	DialTimeout time.Duration
}

// Envelope is the message body published for each event.
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data Event `json:"data"`
}

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"` // e.g. conversation.assigned.v1
}

// AMQPPublisher is a Sink that publishes events to RabbitMQ.
type AMQPPublisher struct {
	conn   *amqp.Connection
	pool   *channelPool
	config AMQPConfig
	logger *slog.Logger
}

// DialAMQP connects to RabbitMQ, declares the exchange and returns a publisher.
func DialAMQP(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	logger = logger.With("component", "amqp")

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("dialing amqp: %w", context.DeadlineExceeded)
	}

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	logger.Info("connecting to rabbitmq", "host", host)

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		safeClose(ch)
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", cfg.Exchange, err)
	}
	safeClose(ch)

	logger.Info("amqp publisher ready", "exchange", cfg.Exchange)
	return &AMQPPublisher{
		conn:   conn,
		pool:   newChannelPool(conn, cfg.PoolSize, 0),
		config: cfg,
		logger: logger,
	}, nil
}

// Publish sends the event as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	env := envelopeFor(event, p.config.Producer)
	msg, err := publishingFor(env)
	if err != nil {
		return err
	}

	ch, err := p.pool.borrow(ctx)
	if err != nil {
		return fmt.Errorf("borrowing channel: %w", err)
	}
	defer p.pool.give(ch)

	key := p.config.RoutingKey
	if key == "" {
		key = env.Meta.Type
	}
	if err := ch.PublishWithContext(ctx, p.config.Exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}
	return nil
}

// Close releases the channel pool and the connection.
func (p *AMQPPublisher) Close() error {
	p.pool.close()
	if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func envelopeFor(event Event, producer string) Envelope {
	env := Envelope{
		Meta: Meta{
			ID:   event.ID,
			Time: event.OccurredAt.UTC(),
			Type: string(event.Type) + ".v1",
		},
		Data: event,
	}
	correlation := event.ConversationID
	env.Meta.CorrelationID = &correlation
	if producer != "" {
		env.Meta.Producer = &producer
	}
	return env
}

func publishingFor(env Envelope) (amqp.Publishing, error) {
	if env.Meta.ID == "" {
		return amqp.Publishing{}, fmt.Errorf("envelope meta id is required")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal envelope: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
	}
	if env.Meta.CorrelationID != nil {
		msg.CorrelationId = *env.Meta.CorrelationID
	}
	if env.Meta.Producer != nil {
		msg.AppId = *env.Meta.Producer
	}
	return msg, nil
}
