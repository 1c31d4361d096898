// Package scheduler holds the sampling cadence: a Stopped / Running /
// Suspended state machine that owns at most one ticker.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"locsync/internal/clock"
	"locsync/internal/domain"
	"locsync/internal/observability"
)

// Scheduler is driven by a single owner goroutine, which receives ticks from
// C. State and Interval may be read from any goroutine.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	state    domain.SchedulerState
	interval domain.Interval
	ticker   *clock.Ticker
}

func New(clk clock.Clock, interval domain.Interval) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Scheduler{
		clock:    clk,
		logger:   observability.Component("scheduler"),
		state:    domain.StateStopped,
		interval: interval,
	}
	observability.SchedulerState.Set(float64(domain.StateStopped))
	return s
}

// Start leaves Stopped. With the interval OFF the scheduler is Suspended and
// arms nothing. Starting an already started scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateStopped {
		return
	}
	s.applyLocked()
}

// Stop disarms the ticker. Once Stop returns, C yields nil and no further
// tick can be received.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
	s.setStateLocked(domain.StateStopped)
}

// SetInterval changes the cadence. A running scheduler replaces its ticker;
// OFF suspends it and a real interval resumes a suspended one. A stopped
// scheduler only records the value.
func (s *Scheduler) SetInterval(interval domain.Interval) error {
	if err := interval.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.interval
	s.interval = interval
	if s.state == domain.StateStopped {
		return nil
	}
	if previous == interval && s.state == domain.StateRunning {
		return nil
	}
	s.applyLocked()
	return nil
}

// C returns the current tick channel, or nil when nothing is armed.
func (s *Scheduler) C() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return nil
	}
	return s.ticker.C
}

func (s *Scheduler) State() domain.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Interval() domain.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// applyLocked arms exactly one ticker for the current interval, or none when OFF.
func (s *Scheduler) applyLocked() {
	s.disarmLocked()
	if s.interval.Off() {
		s.setStateLocked(domain.StateSuspended)
		return
	}
	s.ticker = s.clock.NewTicker(s.interval.Duration())
	s.setStateLocked(domain.StateRunning)
}

func (s *Scheduler) disarmLocked() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *Scheduler) setStateLocked(state domain.SchedulerState) {
	if s.state != state {
		s.logger.Info("scheduler state changed",
			slog.String("from", s.state.String()),
			slog.String("to", state.String()),
			slog.String("interval", s.interval.String()))
	}
	s.state = state
	observability.SchedulerState.Set(float64(state))
}
