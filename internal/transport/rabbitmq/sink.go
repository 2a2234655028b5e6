// Package rabbitmq publishes engine events to a RabbitMQ topic exchange and
// lets remote watchers subscribe to them.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/aristath/taskengine/internal/events"
)

const (
	DefaultExchange = "taskengine.events"
	publishTimeout  = 2 * time.Second
)

// Options configures the connection.
type Options struct {
	URL        string
	Exchange   string // Topic exchange, declared durable (default taskengine.events)
	MaxRetries int    // Dial attempts before giving up (default 10)
}

// Sink publishes every event as JSON with the event type as routing key.
type Sink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      *zap.Logger

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
}

// Dial connects to RabbitMQ and declares the exchange.
func Dial(ctx context.Context, opts Options, log *zap.Logger) (*Sink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}

	var conn *amqp.Connection
	var err error

	for i := 1; i <= opts.MaxRetries; i++ {
		conn, err = amqp.Dial(opts.URL)
		if err == nil {
			break
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", opts.MaxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i*2) * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", opts.MaxRetries, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		opts.Exchange, // name
		"topic",       // kind
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", opts.Exchange, err)
	}

	return &Sink{conn: conn, ch: ch, exchange: opts.Exchange, log: log}, nil
}

// Emit implements events.Sink. Publish failures are logged and dropped.
func (s *Sink) Emit(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.publish(ctx, event); err != nil {
		s.log.Error("Failed to publish event",
			zap.String("event_type", event.EventType()),
			zap.String("task_id", event.TaskID()),
			zap.Error(err),
		)
	}
}

func (s *Sink) publish(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ch.PublishWithContext(ctx,
		s.exchange,        // Exchange
		event.EventType(), // Routing key
		false,             // Mandatory
		false,             // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Type:        event.EventType(),
			Timestamp:   time.Now(),
			Body:        body,
		})
}

// Message is an event received from the exchange.
type Message struct {
	Type string
	Body json.RawMessage
}

// Subscribe binds a private queue to the exchange with bindingKey (for
// example "task.*" or "#") and calls handler for every message until ctx is
// done or the connection closes.
func (s *Sink) Subscribe(ctx context.Context, bindingKey string, handler func(Message)) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // name, server generated
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, bindingKey, s.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack, events are informational
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}

	s.log.Info("Subscribed to events", zap.String("exchange", s.exchange), zap.String("binding", bindingKey))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			handler(Message{Type: d.Type, Body: d.Body})
		}
	}
}

// Close closes the channel and connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ch.Close(); err != nil && err != amqp.ErrClosed {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}

var _ events.Sink = (*Sink)(nil)
