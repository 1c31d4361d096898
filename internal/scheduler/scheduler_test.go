package scheduler

import (
	"testing"
	"time"

	"locsync/internal/clock"
	"locsync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(interval domain.Interval) (*Scheduler, *clock.FakeClock) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clk, interval), clk
}

func countTicks(s *Scheduler) int {
	n := 0
	for {
		select {
		case <-s.C():
			n++
		default:
			return n
		}
	}
}

func TestScheduler_StartArmsOneTicker(t *testing.T) {
	s, clk := newScheduler(domain.Interval(5 * time.Second))
	assert.Nil(t, s.C())
	assert.Equal(t, domain.StateStopped, s.State())

	s.Start()
	s.Start()

	assert.Equal(t, domain.StateRunning, s.State())
	assert.Equal(t, 1, clk.ActiveTickers())

	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, countTicks(s))
}

func TestScheduler_StartWithIntervalOffSuspends(t *testing.T) {
	s, clk := newScheduler(domain.IntervalOff)

	s.Start()

	assert.Equal(t, domain.StateSuspended, s.State())
	assert.Nil(t, s.C())
	assert.Zero(t, clk.ActiveTickers())
}

func TestScheduler_NoTickAfterStop(t *testing.T) {
	s, clk := newScheduler(domain.Interval(time.Second))
	s.Start()

	// A tick is buffered on the old channel when Stop is called.
	clk.Advance(time.Second)
	s.Stop()
	clk.Advance(time.Minute)

	assert.Equal(t, domain.StateStopped, s.State())
	assert.Nil(t, s.C())
	assert.Zero(t, clk.ActiveTickers())
	assert.Zero(t, countTicks(s))
}

func TestScheduler_SetIntervalWhileRunning(t *testing.T) {
	s, clk := newScheduler(domain.Interval(5 * time.Second))
	s.Start()

	require.NoError(t, s.SetInterval(domain.Interval(10*time.Second)))

	assert.Equal(t, []time.Duration{10 * time.Second}, clk.ActiveIntervals())
	assert.Equal(t, domain.StateRunning, s.State())

	clk.Advance(5 * time.Second)
	assert.Zero(t, countTicks(s), "old period must not fire")
	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, countTicks(s))
}

func TestScheduler_RepeatedIntervalChangesKeepOneTicker(t *testing.T) {
	s, clk := newScheduler(domain.Interval(time.Second))
	s.Start()

	for _, d := range []time.Duration{2 * time.Second, 30 * time.Second, time.Minute, 5 * time.Second} {
		require.NoError(t, s.SetInterval(domain.Interval(d)))
		assert.Equal(t, []time.Duration{d}, clk.ActiveIntervals())
	}
}

func TestScheduler_SetIntervalOffAndBack(t *testing.T) {
	s, clk := newScheduler(domain.Interval(5 * time.Second))
	s.Start()

	require.NoError(t, s.SetInterval(domain.IntervalOff))
	assert.Equal(t, domain.StateSuspended, s.State())
	assert.Zero(t, clk.ActiveTickers())
	assert.Nil(t, s.C())

	require.NoError(t, s.SetInterval(domain.Interval(time.Minute)))
	assert.Equal(t, domain.StateRunning, s.State())
	assert.Equal(t, []time.Duration{time.Minute}, clk.ActiveIntervals())
}

func TestScheduler_SetIntervalWhileStoppedOnlyRecords(t *testing.T) {
	s, clk := newScheduler(domain.Interval(5 * time.Second))

	require.NoError(t, s.SetInterval(domain.Interval(30*time.Second)))

	assert.Equal(t, domain.StateStopped, s.State())
	assert.Zero(t, clk.ActiveTickers())
	assert.Equal(t, domain.Interval(30*time.Second), s.Interval())

	s.Start()
	assert.Equal(t, []time.Duration{30 * time.Second}, clk.ActiveIntervals())
}

func TestScheduler_SetIntervalRejectsOutOfRange(t *testing.T) {
	s, clk := newScheduler(domain.Interval(5 * time.Second))
	s.Start()

	err := s.SetInterval(domain.Interval(10 * time.Millisecond))

	assert.ErrorIs(t, err, domain.ErrInvalidInterval)
	assert.Equal(t, domain.Interval(5*time.Second), s.Interval())
	assert.Equal(t, []time.Duration{5 * time.Second}, clk.ActiveIntervals())
}
