// Package queue is the durable FIFO of samples waiting for delivery.
//
// Each sample lives under its own key, locationQueue.<seq>, and the
// locationQueue key holds the cursor: samples with head <= seq < tail are
// queued, keys in [floor, head) are acknowledged and waiting to be deleted.
// Every mutation writes the cursor, together with any new sample, in one
// SetMulti before it becomes visible in memory; a failed write leaves both
// copies as they were. Enqueueing and acknowledging cost one small write
// regardless of depth.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"locsync/internal/domain"
	"locsync/internal/observability"
)

// DefaultMaxDepth bounds the queue when no explicit bound is configured.
const DefaultMaxDepth = 10000

// corruptKey receives an unreadable queue payload so it is kept for inspection.
const corruptKey = domain.KeyQueue + ".corrupt"

const (
	// sweepBatch acknowledged keys accumulate before they are deleted.
	sweepBatch = 256
	// maxDeleteKeys bounds a single Delete call.
	maxDeleteKeys = 512
	// maxSpan rejects cursors no bounded queue could have produced.
	maxSpan = 1 << 20
)

// Drop reasons reported on locsync_queue_dropped_total.
const (
	ReasonOverflow = "overflow"
	ReasonLogout   = "logout"
	ReasonUser     = "user_change"
	ReasonCorrupt  = "corrupt"
)

// DeliverFunc delivers one sample. A nil error acknowledges it.
type DeliverFunc func(ctx context.Context, s domain.Sample) error

// DeliverBatchFunc delivers an ordered chunk. A nil error acknowledges all of it.
type DeliverBatchFunc func(ctx context.Context, samples []domain.Sample) error

type cursor struct {
	Head  uint64 `json:"head"`
	Tail  uint64 `json:"tail"`
	Floor uint64 `json:"floor"`
}

type entry struct {
	seq    uint64
	sample domain.Sample
}

type Queue struct {
	mu       sync.Mutex
	kv       domain.KeyValueStore
	cur      cursor
	items    []entry
	maxDepth int
	logger   *slog.Logger
}

func itemKey(seq uint64) string {
	return domain.KeyQueue + "." + strconv.FormatUint(seq, 10)
}

// Open loads the persisted queue. A cursor that cannot be decoded is moved
// to a side key and the queue starts empty. A queue stored as a single JSON
// array is converted to per-sample keys.
func Open(ctx context.Context, kv domain.KeyValueStore, maxDepth int) (*Queue, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	q := &Queue{kv: kv, maxDepth: maxDepth, logger: observability.Component("queue")}

	raw, err := kv.Get(ctx, domain.KeyQueue)
	switch {
	case errors.Is(err, domain.ErrKeyNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load queue: %w", err)
	default:
		if err := q.load(ctx, raw); err != nil {
			return nil, err
		}
	}

	q.mu.Lock()
	q.sweepLocked(ctx, true)
	q.mu.Unlock()

	if len(q.items) > 0 {
		q.logger.Info("queue restored", slog.Int("queue_depth", len(q.items)))
	}
	observability.QueueDepth.Set(float64(len(q.items)))
	return q, nil
}

func (q *Queue) load(ctx context.Context, raw string) error {
	if strings.HasPrefix(strings.TrimSpace(raw), "[") {
		var legacy []domain.Sample
		if err := json.Unmarshal([]byte(raw), &legacy); err == nil {
			return q.migrate(ctx, legacy)
		}
	} else {
		var c cursor
		if err := json.Unmarshal([]byte(raw), &c); err == nil &&
			c.Floor <= c.Head && c.Head <= c.Tail && c.Tail-c.Head <= maxSpan {
			q.cur = c
			return q.loadItems(ctx)
		}
	}

	q.logger.Error("queue payload unreadable, starting empty", slog.String("moved_to", corruptKey))
	empty, _ := json.Marshal(cursor{})
	if err := q.kv.SetMulti(ctx, map[string]string{corruptKey: raw, domain.KeyQueue: string(empty)}); err != nil {
		return fmt.Errorf("failed to set aside corrupt queue: %w", err)
	}
	return nil
}

func (q *Queue) loadItems(ctx context.Context) error {
	lost := 0
	for seq := q.cur.Head; seq < q.cur.Tail; seq++ {
		raw, err := q.kv.Get(ctx, itemKey(seq))
		if errors.Is(err, domain.ErrKeyNotFound) {
			lost++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load queued sample: %w", err)
		}
		var s domain.Sample
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			q.logger.Error("queued sample unreadable", slog.String("key", itemKey(seq)), slog.String("error", err.Error()))
			lost++
			continue
		}
		q.items = append(q.items, entry{seq: seq, sample: s})
	}
	if lost > 0 {
		observability.QueueDropped.WithLabelValues(ReasonCorrupt).Add(float64(lost))
		q.logger.Warn("queued samples missing from storage", slog.Int("lost", lost))
	}
	return nil
}

func (q *Queue) migrate(ctx context.Context, legacy []domain.Sample) error {
	values := make(map[string]string, len(legacy)+1)
	items := make([]entry, 0, len(legacy))
	for i, s := range legacy {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("%w: failed to encode sample: %w", domain.ErrStorage, err)
		}
		values[itemKey(uint64(i))] = string(data)
		items = append(items, entry{seq: uint64(i), sample: s})
	}
	if err := q.commitLocked(ctx, cursor{Tail: uint64(len(legacy))}, values); err != nil {
		return err
	}
	q.items = items
	q.logger.Info("queue converted to per-sample keys", slog.Int("queue_depth", len(items)))
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued samples, oldest first.
func (q *Queue) Snapshot() []domain.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Sample, len(q.items))
	for i, e := range q.items {
		out[i] = e.sample
	}
	return out
}

// Enqueue appends a sample and persists it before returning. At the bound,
// the oldest samples are dropped in the same write.
func (q *Queue) Enqueue(ctx context.Context, s domain.Sample) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: failed to encode sample: %w", domain.ErrStorage, err)
	}

	dropped := 0
	if over := len(q.items) + 1 - q.maxDepth; over > 0 {
		dropped = over
	}
	next := q.cur
	next.Head = q.headAfter(dropped)
	next.Tail = q.cur.Tail + 1

	seq := q.cur.Tail
	if err := q.commitLocked(ctx, next, map[string]string{itemKey(seq): string(data)}); err != nil {
		return err
	}
	q.items = append(q.items[dropped:], entry{seq: seq, sample: s})
	observability.QueueDepth.Set(float64(len(q.items)))

	if dropped > 0 {
		observability.QueueDropped.WithLabelValues(ReasonOverflow).Add(float64(dropped))
		q.logger.Warn("queue full, dropped oldest samples",
			slog.Int("dropped", dropped),
			slog.Int("max_depth", q.maxDepth))
		q.sweepLocked(ctx, false)
	}
	return nil
}

// Drain delivers queued samples oldest first and stops at the first failure.
// Only samples queued when Drain starts are attempted. It returns how many
// were acknowledged and the error that stopped it, if any.
func (q *Queue) Drain(ctx context.Context, deliver DeliverFunc) (int, error) {
	budget := q.Len()
	delivered := 0

	for delivered < budget {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		head, ok := q.peek(1)
		if !ok {
			break
		}
		if err := deliver(ctx, head[0]); err != nil {
			return delivered, err
		}
		if err := q.removeHead(ctx, head); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// DrainBatch is Drain in ordered chunks of at most size samples.
func (q *Queue) DrainBatch(ctx context.Context, size int, deliver DeliverBatchFunc) (int, error) {
	if size <= 0 {
		size = 1
	}
	budget := q.Len()
	delivered := 0

	for delivered < budget {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		chunk, ok := q.peek(min(size, budget-delivered))
		if !ok {
			break
		}
		if err := deliver(ctx, chunk); err != nil {
			return delivered, err
		}
		if err := q.removeHead(ctx, chunk); err != nil {
			return delivered, err
		}
		delivered += len(chunk)
	}
	return delivered, nil
}

// Clear empties the queue durably and reports how many samples were discarded.
func (q *Queue) Clear(ctx context.Context, reason string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	next := q.cur
	next.Head = next.Tail
	if err := q.commitLocked(ctx, next, nil); err != nil {
		return 0, err
	}
	q.items = nil
	observability.QueueDepth.Set(0)

	if n > 0 {
		observability.QueueDropped.WithLabelValues(reason).Add(float64(n))
		q.logger.Warn("queue cleared", slog.String("reason", reason), slog.Int("dropped", n))
	}
	q.sweepLocked(ctx, true)
	return n, nil
}

func (q *Queue) peek(n int) ([]domain.Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	n = min(n, len(q.items))
	out := make([]domain.Sample, n)
	for i := range out {
		out[i] = q.items[i].sample
	}
	return out, true
}

// removeHead drops acknowledged samples. Samples that left the head in the
// meantime (e.g. a concurrent Clear) are not matched and nothing is removed.
func (q *Queue) removeHead(ctx context.Context, acked []domain.Sample) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(acked) && n < len(q.items) && q.items[n].sample.ID == acked[n].ID {
		n++
	}
	if n == 0 {
		return nil
	}

	next := q.cur
	next.Head = q.headAfter(n)
	if err := q.commitLocked(ctx, next, nil); err != nil {
		return err
	}
	q.items = q.items[n:]
	observability.QueueDepth.Set(float64(len(q.items)))
	q.sweepLocked(ctx, false)
	return nil
}

// headAfter is the head sequence once the first n queued samples are gone.
func (q *Queue) headAfter(n int) uint64 {
	if n < len(q.items) {
		return q.items[n].seq
	}
	return q.cur.Tail
}

// commitLocked writes the cursor together with values in one batch and
// adopts the cursor once the write succeeded.
func (q *Queue) commitLocked(ctx context.Context, next cursor, values map[string]string) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: failed to encode queue cursor: %w", domain.ErrStorage, err)
	}
	if values == nil {
		values = make(map[string]string, 1)
	}
	values[domain.KeyQueue] = string(data)

	if err := q.kv.SetMulti(ctx, values); err != nil {
		if !errors.Is(err, domain.ErrStorage) {
			err = fmt.Errorf("%w: %w", domain.ErrStorage, err)
		}
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	q.cur = next
	return nil
}

// sweepLocked deletes acknowledged sample keys once enough have piled up, or
// always when force is set or the queue is empty. The new floor is persisted
// with the next cursor write; deleting a missing key is harmless, so a stale
// floor only repeats work.
func (q *Queue) sweepLocked(ctx context.Context, force bool) {
	pending := q.cur.Head - q.cur.Floor
	if pending == 0 || (!force && pending < sweepBatch && len(q.items) > 0) {
		return
	}
	for q.cur.Floor < q.cur.Head {
		end := min(q.cur.Head, q.cur.Floor+maxDeleteKeys)
		keys := make([]string, 0, end-q.cur.Floor)
		for seq := q.cur.Floor; seq < end; seq++ {
			keys = append(keys, itemKey(seq))
		}
		if err := q.kv.Delete(ctx, keys...); err != nil {
			q.logger.Warn("failed to delete acknowledged samples",
				slog.Uint64("pending", q.cur.Head-q.cur.Floor),
				slog.String("error", err.Error()))
			return
		}
		q.cur.Floor = end
	}
}
