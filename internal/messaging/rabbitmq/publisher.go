// Package rabbitmq publishes outbox messages to a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/streadway/amqp"

	"github.com/xenking/oolio-pos/internal/outbox"
)

var _ outbox.Publisher = (*Publisher)(nil)

// Config holds broker connection settings.
type Config struct {
	URL      string `usage:"AMQP URL; empty disables the outbox relay"`
	Exchange string `default:"pos.kitchen"`
}

// Publisher owns one AMQP connection and channel. The channel is not safe
// for concurrent publishing, so Publish is serialized.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// Dial connects to the broker and declares the durable topic exchange.
func Dial(cfg Config) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}

	if err := channel.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", cfg.Exchange)
	}

	return &Publisher{conn: conn, channel: channel, exchange: cfg.Exchange}, nil
}

// Publish sends a persistent JSON message routed by topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.Publish(p.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	return nil
}

// Ping reports whether the connection is still open.
func (p *Publisher) Ping(context.Context) error {
	if p.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return errors.Wrap(err, "close channel")
	}
	return p.conn.Close()
}
