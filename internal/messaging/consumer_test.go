package messaging

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAck struct {
	acked, nacked, requeued int
}

func (a *recordingAck) Ack(uint64, bool) error { a.acked++; return nil }

func (a *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	if requeue {
		a.requeued++
	}
	return nil
}

func (a *recordingAck) Reject(uint64, bool) error { return nil }

func TestFixConsumer_Process(t *testing.T) {
	var got []Fix
	c := NewFixConsumer(nil, func(f Fix) { got = append(got, f) })

	t.Run("valid fix is handled and acked", func(t *testing.T) {
		ack := &recordingAck{}
		c.process(amqp.Delivery{
			Acknowledger: ack,
			Body:         []byte(`{"latitude":48.85,"longitude":2.35,"accuracy":4,"timestamp":1767225600000}`),
		})

		require.Len(t, got, 1)
		assert.Equal(t, 48.85, got[0].Latitude)
		assert.Equal(t, 1, ack.acked)
	})

	t.Run("malformed fix is dropped", func(t *testing.T) {
		ack := &recordingAck{}
		c.process(amqp.Delivery{Acknowledger: ack, Body: []byte(`{broken`)})

		assert.Len(t, got, 1)
		assert.Equal(t, 1, ack.nacked)
		assert.Zero(t, ack.requeued)
	})
}

func TestFix_Reading(t *testing.T) {
	speed := 3.5
	fix := Fix{Latitude: 1, Longitude: 2, Accuracy: 7, Speed: &speed, Timestamp: 1767225600000}

	r := fix.Reading()

	assert.Equal(t, 1.0, r.Latitude)
	assert.Equal(t, 2.0, r.Longitude)
	assert.Equal(t, 7.0, r.Meta.Accuracy)
	assert.Equal(t, &speed, r.Meta.Speed)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), r.At)

	assert.True(t, Fix{}.Reading().At.IsZero())
}
