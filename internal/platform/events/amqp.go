package events

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmation is the broker's pending answer to one published message.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// AMQPPublisher publishes events to a durable topic exchange, routed by event
// type, and waits for the broker to confirm each message.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	send     func(ctx context.Context, key string, msg amqp.Publishing) (confirmation, error)
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	p := &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}
	p.send = func(ctx context.Context, key string, msg amqp.Publishing) (confirmation, error) {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
		if err != nil {
			return nil, err
		}
		return dc, nil
	}
	return p, nil
}

func toPublishing(e Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         e.Type,
		Timestamp:    e.OccurredAt,
		Body:         body,
	}, nil
}

// Publish sends e and waits for its own confirmation. A confirmation that
// arrives after ctx is done is dropped with its message; it never answers a
// later publish.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := toPublishing(e)
	if err != nil {
		return err
	}

	dc, err := p.send(ctx, e.Type, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: broker nacked message", e.Type)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
