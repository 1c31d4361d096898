package engine

import (
	"sync"

	"locsync/internal/domain"
)

// board holds the worker-written part of Status and fans snapshots out to
// subscribers.
type board struct {
	mu     sync.RWMutex
	status domain.Status

	subMu  sync.Mutex
	subs   map[int]func(domain.Status)
	nextID int
}

func newBoard() *board {
	return &board{subs: make(map[int]func(domain.Status))}
}

func (b *board) update(fn func(*domain.Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.status)
}

func (b *board) snapshot() domain.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.status
	if st.LastDeliveredAt != nil {
		t := *st.LastDeliveredAt
		st.LastDeliveredAt = &t
	}
	return st
}

func (b *board) subscribe(fn func(domain.Status)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			defer b.subMu.Unlock()
			delete(b.subs, id)
		})
	}
}

// publish calls subscribers synchronously; they must not block.
func (b *board) publish(st domain.Status) {
	b.subMu.Lock()
	fns := make([]func(domain.Status), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
