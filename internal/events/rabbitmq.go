package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/stockpile/internal/requestid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQPublisher publishes events to the auth.events topic exchange.
type RabbitMQPublisher struct {
	ch     Channel
	logger *slog.Logger
}

// NewRabbitMQPublisher creates a publisher on an open channel.
func NewRabbitMQPublisher(ch Channel, logger *slog.Logger) *RabbitMQPublisher {
	return &RabbitMQPublisher{ch: ch, logger: logger}
}

// Publish sends the event as JSON with the event type as routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	headers := make(amqp.Table)
	if id := requestid.FromContext(ctx); id != "" {
		headers[requestid.Header] = id
	}

	err = p.ch.PublishWithContext(
		ctx,
		Exchange,   // exchange
		event.Type, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredAt,
			Body:         body,
			Headers:      headers,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	p.logger.Debug("event published", "type", event.Type)
	return nil
}

// Dial connects to RabbitMQ and declares the durable auth.events exchange.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Locale: "en_US",
		Dial:   amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		Exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return conn, ch, nil
}

var (
	_ Publisher = (*RabbitMQPublisher)(nil)
	_ Channel   = (*amqp.Channel)(nil)
)
