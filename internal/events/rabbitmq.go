package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"lead-router/internal/common/logging"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ publishes to a durable topic exchange with routing keys
// lead.routed, lead.duplicate, lead.queued and lead.abandoned.
type RabbitMQ struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	logger   logging.Logger
}

// DialRabbitMQ connects and declares the exchange.
func DialRabbitMQ(url, exchange string, logger logging.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := newRabbitMQ(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newRabbitMQ(ch amqpChannel, exchange string, logger logging.Logger) (*RabbitMQ, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &RabbitMQ{ch: ch, exchange: exchange, logger: logger}, nil
}

// Publish serializes access to the channel; amqp channels are not safe for
// concurrent use.
func (p *RabbitMQ) Publish(_ context.Context, e Event) error {
	body, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.Publish(p.exchange, e.RoutingKey(), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    e.LeadID + ":" + string(e.Kind),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *RabbitMQ) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.Close(); err != nil {
		p.logger.Warn("Failed to close RabbitMQ channel", logging.Err(err))
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
