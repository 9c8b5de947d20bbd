package push

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPGateway publishes push envelopes to a RabbitMQ exchange.
type AMQPGateway struct {
	pub        amqpPublisher
	exchange   string
	routingKey string
	conn       *amqp.Connection
	now        func() time.Time
}

// DialAMQPGateway connects, opens a channel and declares a durable topic exchange.
func DialAMQPGateway(url, exchange, routingKey string) (*AMQPGateway, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("push: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("push: open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("push: declare exchange %q: %w", exchange, err)
	}
	g := NewAMQPGateway(ch, exchange, routingKey)
	g.conn = conn
	return g, nil
}

// NewAMQPGateway wraps an existing channel (or any publisher).
func NewAMQPGateway(pub amqpPublisher, exchange, routingKey string) *AMQPGateway {
	return &AMQPGateway{pub: pub, exchange: exchange, routingKey: routingKey, now: time.Now}
}

func (g *AMQPGateway) Send(ctx context.Context, address string, msg Message) error {
	if g == nil || g.pub == nil {
		return ErrNotConfigured
	}
	address, err := requireAddress(address)
	if err != nil {
		return err
	}
	now := g.now()
	body, err := encodeEnvelope(address, msg, now)
	if err != nil {
		return err
	}
	err = g.pub.PublishWithContext(ctx, g.exchange, g.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("push: amqp publish: %w", err)
	}
	return nil
}

// Close releases the underlying connection when the gateway owns one.
func (g *AMQPGateway) Close() error {
	if g == nil || g.conn == nil {
		return nil
	}
	return g.conn.Close()
}
