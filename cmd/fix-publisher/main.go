// Command fix-publisher reads position fixes as JSON lines from stdin and
// publishes them to the fixes exchange for an agent running with
// POSITION_SOURCE=amqp.
//
//	echo '{"latitude":45.5,"longitude":-73.6,"accuracy":8}' | fix-publisher
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"locsync/internal/config"
	"locsync/internal/messaging"
	"locsync/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	rmq, err := messaging.NewRabbitMQWithRetry(connCtx, cfg.RabbitMQURL, cfg.PositionQueue, 30*time.Second)
	connCancel()
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rmq.Close()

	published, rejected, err := publishLines(ctx, bufio.NewScanner(os.Stdin), rmq, time.Now)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("publishing stopped", slog.String("error", err.Error()))
	}
	slog.Info("fix publisher done", slog.Int("published", published), slog.Int("rejected", rejected))
	if err != nil {
		os.Exit(1)
	}
}

// FixPublisher is the part of messaging.RabbitMQ this command needs.
type FixPublisher interface {
	PublishFix(ctx context.Context, fix *messaging.Fix) error
}

// publishLines publishes one fix per non-empty line. Lines that do not parse
// or carry coordinates out of range are logged and skipped; a publish error
// stops the run. Fixes without a timestamp are stamped with now.
func publishLines(ctx context.Context, lines *bufio.Scanner, pub FixPublisher, now func() time.Time) (published, rejected int, err error) {
	lineNo := 0
	for lines.Scan() {
		if err := ctx.Err(); err != nil {
			return published, rejected, err
		}
		lineNo++
		raw := lines.Bytes()
		if len(raw) == 0 {
			continue
		}

		var fix messaging.Fix
		if err := json.Unmarshal(raw, &fix); err != nil {
			slog.Warn("skipping malformed line", slog.Int("line", lineNo), slog.String("error", err.Error()))
			rejected++
			continue
		}
		if fix.Latitude < -90 || fix.Latitude > 90 || fix.Longitude < -180 || fix.Longitude > 180 {
			slog.Warn("skipping fix out of range", slog.Int("line", lineNo),
				slog.Float64("latitude", fix.Latitude), slog.Float64("longitude", fix.Longitude))
			rejected++
			continue
		}
		if fix.Timestamp == 0 {
			fix.Timestamp = now().UnixMilli()
		}
		if fix.Source == "" {
			fix.Source = "fix-publisher"
		}

		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pub.PublishFix(pubCtx, &fix)
		cancel()
		if err != nil {
			return published, rejected, err
		}
		published++
	}
	return published, rejected, lines.Err()
}
