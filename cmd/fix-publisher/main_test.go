package main

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"locsync/internal/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	fixes []messaging.Fix
	err   error
}

func (p *recordingPublisher) PublishFix(_ context.Context, fix *messaging.Fix) error {
	if p.err != nil {
		return p.err
	}
	p.fixes = append(p.fixes, *fix)
	return nil
}

func TestPublishLines(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	input := strings.Join([]string{
		`{"latitude":45.5,"longitude":-73.6,"accuracy":8}`,
		``,
		`not json`,
		`{"latitude":91,"longitude":0}`,
		`{"latitude":-33.9,"longitude":151.2,"accuracy":3,"timestamp":1700000000000,"source":"gps"}`,
	}, "\n")
	pub := &recordingPublisher{}

	published, rejected, err := publishLines(context.Background(), bufio.NewScanner(strings.NewReader(input)), pub,
		func() time.Time { return now })

	require.NoError(t, err)
	assert.Equal(t, 2, published)
	assert.Equal(t, 2, rejected)
	require.Len(t, pub.fixes, 2)

	assert.Equal(t, now.UnixMilli(), pub.fixes[0].Timestamp)
	assert.Equal(t, "fix-publisher", pub.fixes[0].Source)
	assert.Equal(t, int64(1700000000000), pub.fixes[1].Timestamp)
	assert.Equal(t, "gps", pub.fixes[1].Source)
}

func TestPublishLinesStopsOnPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	input := "{\"latitude\":1,\"longitude\":1}\n{\"latitude\":2,\"longitude\":2}\n"

	published, _, err := publishLines(context.Background(), bufio.NewScanner(strings.NewReader(input)), pub, time.Now)

	assert.EqualError(t, err, "channel closed")
	assert.Zero(t, published)
}

func TestPublishLinesHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := publishLines(ctx, bufio.NewScanner(strings.NewReader("{\"latitude\":1,\"longitude\":1}\n")),
		&recordingPublisher{}, time.Now)

	assert.ErrorIs(t, err, context.Canceled)
}
