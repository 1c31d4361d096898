package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"locsync/internal/clock"
	"locsync/internal/domain"
	"locsync/internal/messaging"
)

// Latest keeps the most recent pushed fix and serves it until it is older
// than maxAge.
type Latest struct {
	clock  clock.Clock
	maxAge time.Duration

	mu         sync.RWMutex
	reading    domain.Reading
	receivedAt time.Time
	have       bool
}

func NewLatest(clk clock.Clock, maxAge time.Duration) *Latest {
	if clk == nil {
		clk = clock.Real()
	}
	return &Latest{clock: clk, maxAge: maxAge}
}

// Update records a fix. Fixes older than the one held are ignored.
func (l *Latest) Update(r domain.Reading) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.have && !r.At.IsZero() && !l.reading.At.IsZero() && r.At.Before(l.reading.At) {
		return
	}
	l.reading, l.receivedAt, l.have = r, now, true
}

// HandleFix adapts Update to a messaging.FixHandler.
func (l *Latest) HandleFix(f messaging.Fix) { l.Update(f.Reading()) }

func (l *Latest) Current(ctx context.Context) (domain.Reading, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.have {
		return domain.Reading{}, fmt.Errorf("%w: no fix received yet", domain.ErrNoFix)
	}
	if age := l.clock.Now().Sub(l.fixTime()); l.maxAge > 0 && age > l.maxAge {
		return domain.Reading{}, fmt.Errorf("%w: last fix is %s old", domain.ErrNoFix, age.Truncate(time.Second))
	}
	return l.reading, nil
}

func (l *Latest) fixTime() time.Time {
	if !l.reading.At.IsZero() {
		return l.reading.At
	}
	return l.receivedAt
}
