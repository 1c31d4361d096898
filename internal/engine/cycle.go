package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"locsync/internal/domain"
	"locsync/internal/observability"
)

// cycle captures one sample and tries to deliver it together with the
// backlog. force skips the backoff gate (manual sync).
func (e *Engine) cycle(ctx context.Context, force bool) {
	sample, captured := e.capture(ctx)

	if e.board.snapshot().ReauthRequired {
		e.park(ctx, sample, captured)
		return
	}

	session, err := e.tokens.EnsureValid(ctx)
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		// Credentials vanished underneath us; nothing can be attributed.
		e.logger.Warn("tick without a session, stopping scheduler")
		if captured {
			observability.SamplesCaptured.WithLabelValues("discarded").Inc()
			e.logger.Warn("sample discarded: no session to attribute it to",
				slog.String("sample_id", sample.ID))
		}
		e.sched.Stop()
		e.board.update(func(s *domain.Status) { s.SignedIn, s.Username = false, "" })
		return
	case errors.Is(err, domain.ErrReauthenticationRequired):
		e.requireReauth(err)
		e.park(ctx, sample, captured)
		return
	case err != nil:
		e.logger.Error("failed to obtain access token", slog.String("error", err.Error()))
		e.setLastError(err)
		e.park(ctx, sample, captured)
		return
	}

	if !force && !e.attemptAllowed() {
		e.park(ctx, sample, captured)
		return
	}

	// With a backlog the new sample goes behind it so capture order holds.
	if e.queue.Len() > 0 {
		e.park(ctx, sample, captured)
		e.drain(ctx, &session)
		return
	}
	if !captured {
		return
	}

	err = e.withAuthRetry(ctx, &session, func(token string) error {
		return e.collector.UpdateOne(ctx, token, session.Username, sample)
	})
	if err != nil {
		observability.Deliveries.WithLabelValues("immediate", "failure").Inc()
		e.deliveryFailed(err, 1)
		e.park(ctx, sample, true)
		return
	}
	observability.Deliveries.WithLabelValues("immediate", "success").Inc()
	e.delivered(1)
}

func (e *Engine) capture(ctx context.Context) (domain.Sample, bool) {
	reading, err := e.source.Current(ctx)
	if err != nil {
		observability.SamplesCaptured.WithLabelValues("error").Inc()
		e.logger.Warn("position capture failed", slog.String("error", err.Error()))
		return domain.Sample{}, false
	}
	sample, err := domain.NewSample(reading, e.clock.Now())
	if err != nil {
		observability.SamplesCaptured.WithLabelValues("invalid").Inc()
		e.logger.Warn("position reading rejected", slog.String("error", err.Error()))
		return domain.Sample{}, false
	}
	observability.SamplesCaptured.WithLabelValues("ok").Inc()
	return sample, true
}

// park puts a captured sample on the durable queue. A storage failure means
// the sample is lost and is reported as such.
func (e *Engine) park(ctx context.Context, sample domain.Sample, captured bool) {
	if !captured {
		return
	}
	if err := e.queue.Enqueue(ctx, sample); err != nil {
		e.logger.Error("sample lost: failed to queue",
			slog.String("sample_id", sample.ID),
			slog.String("error", err.Error()))
		e.setLastError(err)
	}
}

func (e *Engine) drain(ctx context.Context, session *domain.Session) {
	if e.queue.Len() == 0 {
		return
	}

	var (
		n   int
		err error
	)
	switch e.cfg.DrainMode {
	case ModeBatch:
		n, err = e.queue.DrainBatch(ctx, e.cfg.BatchSize, func(ctx context.Context, batch []domain.Sample) error {
			return e.withAuthRetry(ctx, session, func(token string) error {
				return e.collector.UpdateBatch(ctx, token, session.Username, batch)
			})
		})
	default:
		n, err = e.queue.Drain(ctx, func(ctx context.Context, s domain.Sample) error {
			return e.withAuthRetry(ctx, session, func(token string) error {
				return e.collector.UpdateOne(ctx, token, session.Username, s)
			})
		})
	}

	if n > 0 {
		observability.Deliveries.WithLabelValues(e.cfg.DrainMode, "success").Add(float64(n))
		e.delivered(n)
	}
	if err != nil {
		observability.Deliveries.WithLabelValues(e.cfg.DrainMode, "failure").Inc()
		e.deliveryFailed(err, 1)
		e.logger.Warn("drain stopped",
			slog.Int("delivered", n),
			slog.Int("queue_depth", e.queue.Len()),
			slog.String("error", err.Error()))
		return
	}
	e.logger.Debug("queue drained", slog.Int("delivered", n))
}

// withAuthRetry runs call once, and after a 401 exactly once more with a
// refreshed token.
func (e *Engine) withAuthRetry(ctx context.Context, session *domain.Session, call func(token string) error) error {
	err := call(session.AccessToken)
	if !errors.Is(err, domain.ErrUnauthorized) {
		return err
	}

	refreshed, rerr := e.tokens.ForceRefresh(ctx, session.AccessToken)
	if rerr != nil {
		return rerr
	}
	*session = refreshed
	return call(session.AccessToken)
}

func (e *Engine) delivered(n int) {
	now := e.clock.Now()
	e.resetDelivery()
	e.board.update(func(s *domain.Status) {
		s.LastDeliveredAt = &now
		s.DeliveredTotal += int64(n)
		s.LastError = ""
	})
}

func (e *Engine) deliveryFailed(err error, n int) {
	if errors.Is(err, domain.ErrReauthenticationRequired) {
		e.requireReauth(err)
		return
	}
	if !domain.IsRetryable(err) {
		// Not the collector's fault; the samples stay queued and go out again.
		e.logger.Error("delivery bookkeeping failed", slog.String("error", err.Error()))
		e.setLastError(err)
		return
	}

	e.failures++
	e.board.update(func(s *domain.Status) {
		s.FailedTotal += int64(n)
		s.LastError = err.Error()
	})

	if e.cfg.MaxConsecutiveFailures > 0 && e.failures >= e.cfg.MaxConsecutiveFailures {
		wait := e.retry.NextBackOff()
		e.nextAttempt = e.clock.Now().Add(wait)
		e.logger.Warn("delivery backing off",
			slog.Int("consecutive_failures", e.failures),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) attemptAllowed() bool {
	if e.cfg.MaxConsecutiveFailures <= 0 || e.failures < e.cfg.MaxConsecutiveFailures {
		return true
	}
	return !e.clock.Now().Before(e.nextAttempt)
}

// requireReauth stops delivery until the user signs in again. Capture goes on.
func (e *Engine) requireReauth(err error) {
	e.logger.Warn("re-authentication required", slog.String("error", err.Error()))
	e.board.update(func(s *domain.Status) {
		s.ReauthRequired = true
		s.LastError = err.Error()
	})
}

func (e *Engine) setLastError(err error) {
	e.board.update(func(s *domain.Status) { s.LastError = err.Error() })
}

func (e *Engine) resetDelivery() {
	e.failures = 0
	e.retry.Reset()
	e.nextAttempt = time.Time{}
}
