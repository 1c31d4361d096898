package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"locsync/internal/clock"
	"locsync/internal/collector"
	"locsync/internal/config"
	"locsync/internal/credential"
	"locsync/internal/domain"
	"locsync/internal/engine"
	"locsync/internal/handler"
	"locsync/internal/messaging"
	"locsync/internal/middleware"
	"locsync/internal/observability"
	"locsync/internal/position"
	"locsync/internal/queue"
	"locsync/internal/token"
	"locsync/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting locsync agent",
		slog.String("environment", cfg.Environment),
		slog.String("collector", cfg.CollectorURL),
		slog.String("store", cfg.StoreDriver),
		slog.String("position_source", cfg.PositionSource))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	credOpts, err := sealers(cfg)
	if err != nil {
		slog.Error("failed to set up token sealing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	creds := credential.NewStore(store, credOpts...)

	client := collector.NewClient(cfg.CollectorURL, collector.WithTimeout(cfg.RequestTimeout))
	clk := clock.Real()

	q, err := queue.Open(ctx, store, cfg.QueueMaxDepth)
	if err != nil {
		slog.Error("failed to load delivery queue", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checks := []handler.HealthCheck{handler.StoreCheck(store)}

	var source domain.PositionSource
	switch cfg.PositionSource {
	case config.SourceAMQP:
		rmqCtx, rmqCancel := context.WithTimeout(ctx, 60*time.Second)
		rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL, cfg.PositionQueue, 60*time.Second)
		rmqCancel()
		if err != nil {
			slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
			os.Exit(1)
		}
		amqpSource, err := position.NewAMQPSource(ctx, rmq, clk, cfg.FixMaxAge)
		if err != nil {
			rmq.Close()
			slog.Error("failed to start position source", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer amqpSource.Close()
		source = amqpSource
		checks = append(checks, handler.BrokerCheck(rmq))
		slog.Info("consuming position fixes", slog.String("queue", cfg.PositionQueue))
	default:
		source = position.NewFixed(cfg.FixedLatitude, cfg.FixedLongitude, cfg.FixedAccuracy)
	}

	eng, err := engine.New(engine.Config{
		Interval:               cfg.SyncInterval,
		DrainMode:              cfg.DrainMode,
		BatchSize:              cfg.DrainBatchSize,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		BackoffInitial:         5 * time.Second,
		BackoffMax:             cfg.BackoffMax,
	}, engine.Dependencies{
		Collector:   client,
		Credentials: creds,
		Tokens:      token.NewManager(creds, client, clk, cfg.TokenSafetyMargin),
		Queue:       q,
		Source:      source,
		Clock:       clk,
	})
	if err != nil {
		slog.Error("failed to build engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hub := websocket.NewHub(eng.Status)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("hub error", slog.String("error", err.Error()))
		}
	}()
	unsubscribe := eng.Subscribe(hub.Publish)
	defer unsubscribe()

	go func() {
		if err := eng.Run(ctx); err != nil {
			slog.Error("engine error", slog.String("error", err.Error()))
		}
	}()
	slog.Info("sync engine started", slog.String("interval", cfg.SyncInterval.String()))

	router, err := handler.NewRouter(ctx, handler.RouterConfig{
		Engine:           eng,
		Hub:              hub,
		ControlToken:     cfg.ControlToken,
		AllowedOrigins:   middleware.ParseOrigins(cfg.AllowedOrigins),
		ValidateRequests: cfg.ValidateControlAPI,
		Checks:           checks,
	})
	if err != nil {
		slog.Error("failed to build control API", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Login and sync wait for collector round trips.
		WriteTimeout: 2*cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("control API listening", slog.String("addr", cfg.ControlAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()
	select {
	case <-eng.Done():
	case <-shutdownCtx.Done():
		slog.Warn("engine did not stop in time")
	}
	<-hubDone

	slog.Info("agent stopped", slog.Int("queue_depth", q.Len()))
}
