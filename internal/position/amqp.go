package position

import (
	"context"
	"fmt"
	"time"

	"locsync/internal/clock"
	"locsync/internal/messaging"
)

// AMQPSource is a Latest fed by fixes consumed from RabbitMQ.
type AMQPSource struct {
	*Latest
	rmq *messaging.RabbitMQ
}

// NewAMQPSource starts consuming fixes; consumption stops when ctx is done.
func NewAMQPSource(ctx context.Context, rmq *messaging.RabbitMQ, clk clock.Clock, maxAge time.Duration) (*AMQPSource, error) {
	latest := NewLatest(clk, maxAge)
	if err := messaging.NewFixConsumer(rmq, latest.HandleFix).Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start fix consumer: %w", err)
	}
	return &AMQPSource{Latest: latest, rmq: rmq}, nil
}

func (s *AMQPSource) Close() error { return s.rmq.Close() }
