package messaging

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// FixHandler receives every well-formed fix in arrival order.
type FixHandler func(Fix)

type FixConsumer struct {
	rmq     *RabbitMQ
	handler FixHandler
}

func NewFixConsumer(rmq *RabbitMQ, handler FixHandler) *FixConsumer {
	return &FixConsumer{rmq: rmq, handler: handler}
}

// Start begins consuming in the background until ctx is done or the
// delivery channel closes.
func (c *FixConsumer) Start(ctx context.Context) error {
	msgs, err := c.rmq.ConsumeFixes()
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				slog.Info("stopping fix consumer")
				return
			case msg, ok := <-msgs:
				if !ok {
					slog.Warn("fix consumer channel closed")
					return
				}
				c.process(msg)
			}
		}
	}()

	return nil
}

func (c *FixConsumer) process(msg amqp.Delivery) {
	var fix Fix
	if err := json.Unmarshal(msg.Body, &fix); err != nil {
		slog.Error("error unmarshaling fix",
			slog.String("error", err.Error()),
			slog.Int("body_size", len(msg.Body)))
		// Malformed fixes are dropped, not requeued.
		_ = msg.Nack(false, false)
		return
	}

	c.handler(fix)
	_ = msg.Ack(false)
}
