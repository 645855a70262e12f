package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ndthuan/coursepay/internal/metrics"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
)

// Publisher delivers events to the message broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// AMQPPublisher publishes events to a durable topic exchange on RabbitMQ.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *slog.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
}

// NewAMQPPublisher connects to the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{
		url:      url,
		exchange: exchange,
		logger:   logger,
	}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = ch
	p.mu.Unlock()

	return nil
}

// Publish delivers one event; on a closed connection it reconnects with
// bounded attempts before giving up.
func (p *AMQPPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		p.mu.Lock()
		ch := p.channel
		p.mu.Unlock()

		if ch != nil && !ch.IsClosed() {
			lastErr = ch.PublishWithContext(ctx, p.exchange, topic, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Body:         payload,
			})
			if lastErr == nil {
				return nil
			}
		}

		p.logger.Warn("amqp publish failed, reconnecting",
			"topic", topic,
			"attempt", attempt+1,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}

		if err := p.connect(); err != nil {
			lastErr = err
		}
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", topic, maxReconnectAttempts, lastErr)
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Relay drains unpublished outbox rows to the publisher.
type Relay struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewRelay creates an outbox relay.
func NewRelay(store Store, publisher Publisher, logger *slog.Logger) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  2 * time.Second,
		batchSize: 100,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the relay loop is actively running.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Start begins the relay loop. Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeDrain(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Relay) safeDrain(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in outbox relay", "panic", fmt.Sprint(rec))
		}
	}()
	r.Drain(ctx)
}

// Drain publishes one batch of unpublished events. Rows that fail to
// publish stay unpublished and are picked up again on the next tick.
func (r *Relay) Drain(ctx context.Context) {
	events, err := r.store.ListUnpublished(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("failed to list unpublished events", "error", err)
		return
	}

	for _, e := range events {
		if err := r.publisher.Publish(ctx, e.Topic, e.Payload); err != nil {
			metrics.OutboxPublishedTotal.WithLabelValues("error").Inc()
			r.logger.Warn("failed to publish event",
				"event_id", e.ID,
				"topic", e.Topic,
				"error", err,
			)
			return
		}
		metrics.OutboxPublishedTotal.WithLabelValues("published").Inc()
		if err := r.store.MarkPublished(ctx, e.ID); err != nil {
			// The event will be republished next tick; consumers must
			// deduplicate on event id.
			r.logger.Warn("failed to mark event published",
				"event_id", e.ID,
				"error", err,
			)
			return
		}
	}
}
