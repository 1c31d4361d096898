// Package messaging carries position fixes over RabbitMQ from a producer
// (a GNSS bridge or the fix-publisher tool) to the agent.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"locsync/internal/domain"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	FixExchange   = "locsync.fixes"
	FixRoutingKey = "position.fix"
)

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// Fix is a position reading as published on the fixes exchange.
type Fix struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Accuracy         float64  `json:"accuracy"`
	Altitude         *float64 `json:"altitude,omitempty"`
	AltitudeAccuracy *float64 `json:"altitude_accuracy,omitempty"`
	Heading          *float64 `json:"heading,omitempty"`
	Speed            *float64 `json:"speed,omitempty"`
	Timestamp        int64    `json:"timestamp"` // epoch milliseconds
	Source           string   `json:"source,omitempty"`
}

// Reading converts the fix into what the engine samples.
func (f Fix) Reading() domain.Reading {
	r := domain.Reading{
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		Meta: domain.AccuracyMeta{
			Accuracy:         f.Accuracy,
			Altitude:         f.Altitude,
			AltitudeAccuracy: f.AltitudeAccuracy,
			Heading:          f.Heading,
			Speed:            f.Speed,
		},
	}
	if f.Timestamp > 0 {
		r.At = time.UnixMilli(f.Timestamp).UTC()
	}
	return r
}

func NewRabbitMQ(url, queue string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:    conn,
		channel: ch,
		queue:   queue,
	}

	if err := rmq.Setup(); err != nil {
		rmq.Close()
		return nil, err
	}

	return rmq, nil
}

// NewRabbitMQWithRetry dials until the broker answers or maxWait elapses.
func NewRabbitMQWithRetry(ctx context.Context, url, queue string, maxWait time.Duration) (*RabbitMQ, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = maxWait

	attempt := 0
	return backoff.RetryNotifyWithData(func() (*RabbitMQ, error) {
		attempt++
		return NewRabbitMQ(url, queue)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		slog.Warn("rabbitmq not reachable, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	})
}

func (r *RabbitMQ) Setup() error {
	if err := r.channel.ExchangeDeclare(
		FixExchange, // name
		"topic",     // type
		true,        // durable
		false,       // auto-deleted
		false,       // internal
		false,       // no-wait
		nil,         // arguments
	); err != nil {
		return fmt.Errorf("failed to declare fixes exchange: %w", err)
	}

	if _, err := r.channel.QueueDeclare(
		r.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		amqp.Table{"x-max-length": int32(100)},
	); err != nil {
		return fmt.Errorf("failed to declare %s queue: %w", r.queue, err)
	}

	if err := r.channel.QueueBind(
		r.queue,       // queue name
		FixRoutingKey, // routing key
		FixExchange,   // exchange
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind %s queue: %w", r.queue, err)
	}

	slog.Info("rabbitmq setup completed successfully", slog.String("queue", r.queue))
	return nil
}

func (r *RabbitMQ) PublishFix(ctx context.Context, fix *Fix) error {
	body, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal fix: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		FixExchange,
		FixRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish fix: %w", err)
	}

	slog.Debug("published fix",
		slog.Float64("latitude", fix.Latitude),
		slog.Float64("longitude", fix.Longitude))
	return nil
}

func (r *RabbitMQ) ConsumeFixes() (<-chan amqp.Delivery, error) {
	msgs, err := r.channel.Consume(
		r.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	slog.Info("started consuming position fixes", slog.String("queue", r.queue))
	return msgs, nil
}

func (r *RabbitMQ) IsClosed() bool {
	return r.conn == nil || r.conn.IsClosed()
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
