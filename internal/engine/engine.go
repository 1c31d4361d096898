// Package engine is the telemetry sync engine: one worker goroutine owns the
// scheduler, the capture/deliver/drain cycle and every session transition.
// Facade calls are executed on that worker, so no two of them ever overlap
// with each other or with a tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"locsync/internal/clock"
	"locsync/internal/collector"
	"locsync/internal/domain"
	"locsync/internal/observability"
	"locsync/internal/queue"
	"locsync/internal/scheduler"

	"github.com/cenkalti/backoff/v4"
)

// Drain modes.
const (
	ModeSingle = "single"
	ModeBatch  = "batch"
)

// Collector is the subset of the collector client the engine calls.
type Collector interface {
	Login(ctx context.Context, username, password string) (*collector.LoginResult, error)
	Register(ctx context.Context, username, password string) (*collector.RegisterResult, error)
	UpdateOne(ctx context.Context, accessToken, username string, sample domain.Sample) error
	UpdateBatch(ctx context.Context, accessToken, username string, samples []domain.Sample) error
	Logout(ctx context.Context, accessToken string) error
}

// Tokens hands out sessions with a usable access token.
type Tokens interface {
	EnsureValid(ctx context.Context) (domain.Session, error)
	ForceRefresh(ctx context.Context, rejected string) (domain.Session, error)
}

type Config struct {
	Interval               domain.Interval
	DrainMode              string
	BatchSize              int
	MaxConsecutiveFailures int
	BackoffInitial         time.Duration
	BackoffMax             time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Interval:               domain.DefaultInterval,
		DrainMode:              ModeSingle,
		BatchSize:              50,
		MaxConsecutiveFailures: 3,
		BackoffInitial:         5 * time.Second,
		BackoffMax:             5 * time.Minute,
	}
}

type Dependencies struct {
	Collector   Collector
	Credentials domain.CredentialStore
	Tokens      Tokens
	Queue       *queue.Queue
	Source      domain.PositionSource
	Clock       clock.Clock
}

type command struct {
	name string
	run  func(ctx context.Context) error
	done chan error
}

type Engine struct {
	cfg       Config
	collector Collector
	creds     domain.CredentialStore
	tokens    Tokens
	queue     *queue.Queue
	source    domain.PositionSource
	clock     clock.Clock
	sched     *scheduler.Scheduler
	logger    *slog.Logger

	cmds    chan command
	stopped chan struct{}
	running atomic.Bool

	// Owned by the worker goroutine.
	failures    int
	retry       *backoff.ExponentialBackOff
	nextAttempt time.Time

	board *board

	// afterCycle runs on the worker at the end of every cycle. Tests only.
	afterCycle func()
}

func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Collector == nil || deps.Credentials == nil || deps.Tokens == nil || deps.Queue == nil || deps.Source == nil {
		return nil, errors.New("engine: missing dependency")
	}
	if err := cfg.Interval.Validate(); err != nil {
		return nil, err
	}
	if cfg.DrainMode == "" {
		cfg.DrainMode = ModeSingle
	}
	if cfg.DrainMode != ModeSingle && cfg.DrainMode != ModeBatch {
		return nil, fmt.Errorf("engine: unknown drain mode %q", cfg.DrainMode)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.BackoffInitial
	retry.Multiplier = 2
	retry.MaxInterval = cfg.BackoffMax
	retry.MaxElapsedTime = 0
	retry.Clock = clk
	retry.Reset()

	return &Engine{
		cfg:       cfg,
		collector: deps.Collector,
		creds:     deps.Credentials,
		tokens:    deps.Tokens,
		queue:     deps.Queue,
		source:    deps.Source,
		clock:     clk,
		sched:     scheduler.New(clk, cfg.Interval),
		logger:    observability.Component("engine"),
		cmds:      make(chan command),
		stopped:   make(chan struct{}),
		retry:     retry,
		board:     newBoard(),
	}, nil
}

// Run is the worker loop. It resumes a stored session, then serves ticks and
// facade calls until ctx is done. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	defer close(e.stopped)
	defer e.sched.Stop()

	e.resume(ctx)
	e.publish()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping", slog.Int("queue_depth", e.queue.Len()))
			return nil
		case cmd := <-e.cmds:
			err := cmd.run(ctx)
			if err != nil {
				e.logger.Debug("command failed", slog.String("command", cmd.name), slog.String("error", err.Error()))
			}
			e.publish()
			cmd.done <- err
		case <-e.sched.C():
			e.cycle(ctx, false)
			e.publish()
			if e.afterCycle != nil {
				e.afterCycle()
			}
		}
	}
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.stopped }

// do executes fn on the worker and waits for its result.
func (e *Engine) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cmd := command{name: name, run: fn, done: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return domain.ErrEngineStopped
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return domain.ErrEngineStopped
	}
}

// resume restores a session persisted by a previous run.
func (e *Engine) resume(ctx context.Context) {
	session, err := e.creds.Get(ctx)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return
	}
	if err != nil {
		e.logger.Error("failed to read stored session", slog.String("error", err.Error()))
		e.board.update(func(s *domain.Status) { s.LastError = err.Error() })
		return
	}

	e.board.update(func(s *domain.Status) {
		s.SignedIn = true
		s.Username = session.Username
	})
	e.sched.Start()
	e.logger.Info("session resumed",
		slog.String("username", session.Username),
		slog.Int("queue_depth", e.queue.Len()),
		slog.String("interval", e.sched.Interval().String()))
}

// Status returns the current snapshot.
func (e *Engine) Status() domain.Status {
	st := e.board.snapshot()
	st.QueueDepth = e.queue.Len()
	st.State = e.sched.State()
	st.CurrentInterval = e.sched.Interval()
	return st
}

// Subscribe registers fn for every status change until the returned func is called.
func (e *Engine) Subscribe(fn func(domain.Status)) (unsubscribe func()) {
	return e.board.subscribe(fn)
}

func (e *Engine) publish() {
	e.board.publish(e.Status())
}
