// Package notify publishes stack lifecycle events to interested consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bcnelson/stack-provisioner/internal/domain"
)

// Publisher delivers lifecycle events. Delivery is best-effort; callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, event domain.LifecycleEvent) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

// Ensure Noop implements Publisher.
var _ Publisher = Noop{}

func (Noop) Publish(ctx context.Context, event domain.LifecycleEvent) error { return nil }
func (Noop) Close() error                                                   { return nil }

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes events to a topic exchange with routing key
// "stack.<action>".
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch channel
}

// Ensure AMQP implements Publisher.
var _ Publisher = (*AMQP)(nil)

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	p, err := newAMQP(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQP(ch channel, exchange string, logger *slog.Logger) (*AMQP, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQP{exchange: exchange, logger: logger, ch: ch}, nil
}

// RoutingKey returns the routing key for an action.
func RoutingKey(action string) string {
	return "stack." + action
}

// Publish sends event as a persistent JSON message.
func (p *AMQP) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	ts := event.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(event.Action), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    ts,
		MessageId:    event.StackID + ":" + event.Action + ":" + ts.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("publishing %s event: %w", event.Action, err)
	}
	p.logger.Debug("lifecycle event published", "stack_id", event.StackID, "action", event.Action, "status", event.Status)
	return nil
}

// Close closes the channel and connection.
func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
