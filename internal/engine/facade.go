package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"locsync/internal/domain"
	"locsync/internal/queue"
	"locsync/internal/token"
)

// Login signs in against the collector and starts sampling. A session that
// needs re-authentication may be replaced; any other live session must be
// logged out first. Signing in as a different user discards the previous
// user's queue.
func (e *Engine) Login(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}

	return e.do(ctx, "login", func(ctx context.Context) error {
		previous, err := e.creds.Get(ctx)
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			previous = nil
		case err != nil:
			return err
		case !e.board.snapshot().ReauthRequired:
			// With sampling off no tick has checked the session lately.
			_, verr := e.tokens.EnsureValid(ctx)
			if !errors.Is(verr, domain.ErrReauthenticationRequired) {
				return domain.ErrAlreadySignedIn
			}
			e.requireReauth(verr)
		}

		res, err := e.collector.Login(ctx, username, password)
		if err != nil {
			e.logger.Warn("login failed", slog.String("username", username), slog.String("error", err.Error()))
			return err
		}

		if previous != nil && previous.Username != username {
			if _, err := e.queue.Clear(ctx, queue.ReasonUser); err != nil {
				return fmt.Errorf("failed to discard previous user's queue: %w", err)
			}
		}

		session := domain.Session{
			UserID:       res.UserID,
			Username:     username,
			AccessToken:  res.AccessToken,
			RefreshToken: res.RefreshToken,
		}
		if claims, err := token.Decode(res.AccessToken); err == nil {
			session.AccessExpiry = claims.ExpiresAt.Time
		}
		if err := e.creds.Put(ctx, session); err != nil {
			return err
		}

		e.resetDelivery()
		e.board.update(func(s *domain.Status) {
			s.SignedIn = true
			s.Username = username
			s.ReauthRequired = false
			s.LastError = ""
		})
		e.sched.Start()

		e.logger.Info("signed in",
			slog.String("username", username),
			slog.Int("queue_depth", e.queue.Len()),
			slog.String("interval", e.sched.Interval().String()))
		return nil
	})
}

// Logout stops sampling, tells the collector (best effort), then clears the
// stored session and the queue. Logging out while signed out is a no-op.
func (e *Engine) Logout(ctx context.Context) error {
	return e.do(ctx, "logout", func(ctx context.Context) error {
		e.sched.Stop()

		session, err := e.creds.Get(ctx)
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			session = nil
		case err != nil:
			e.logger.Warn("failed to read session for logout", slog.String("error", err.Error()))
			session = nil
		}
		if session != nil {
			if err := e.collector.Logout(ctx, session.AccessToken); err != nil {
				e.logger.Warn("collector logout failed", slog.String("error", err.Error()))
			}
		}

		if err := e.creds.Clear(ctx); err != nil {
			return err
		}
		dropped, err := e.queue.Clear(ctx, queue.ReasonLogout)
		if err != nil {
			return err
		}

		e.resetDelivery()
		e.board.update(func(s *domain.Status) {
			s.SignedIn = false
			s.Username = ""
			s.ReauthRequired = false
			s.LastError = ""
		})

		attrs := []any{slog.Int("dropped_samples", dropped)}
		if session != nil {
			attrs = append(attrs, slog.String("username", session.Username))
		}
		e.logger.Info("signed out", attrs...)
		return nil
	})
}

// Register creates an account on the collector. It does not sign in.
func (e *Engine) Register(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}
	if _, err := e.collector.Register(ctx, username, password); err != nil {
		return err
	}
	e.logger.Info("account registered", slog.String("username", username))
	return nil
}

// SetInterval changes the sampling cadence; OFF suspends sampling.
func (e *Engine) SetInterval(ctx context.Context, interval domain.Interval) error {
	if err := interval.Validate(); err != nil {
		return err
	}
	return e.do(ctx, "set_interval", func(ctx context.Context) error {
		if err := e.sched.SetInterval(interval); err != nil {
			return err
		}
		e.logger.Info("interval changed", slog.String("interval", interval.String()))
		return nil
	})
}

// SyncNow runs one capture/deliver/drain cycle immediately, ignoring backoff.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.do(ctx, "sync", func(ctx context.Context) error {
		if !e.board.snapshot().SignedIn {
			return domain.ErrNotSignedIn
		}
		e.cycle(ctx, true)
		return nil
	})
}

// Intervals lists the cadences offered to the presentation layer.
func (e *Engine) Intervals() []domain.Interval {
	out := make([]domain.Interval, len(domain.IntervalPresets))
	copy(out, domain.IntervalPresets)
	return out
}
