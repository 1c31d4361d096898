// Package token keeps the access token usable: it checks expiry before use
// and performs at most one refresh at a time against the collector.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"locsync/internal/clock"
	"locsync/internal/domain"
	"locsync/internal/observability"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultSafetyMargin is how long before exp a token is already treated as expired.
const DefaultSafetyMargin = 30 * time.Second

var ErrMissingExpiry = errors.New("access token has no exp claim")

// Claims is what the collector embeds in access tokens.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Decode reads the claims of an access token without verifying its signature.
// The agent cannot verify collector signatures; the claims only drive the
// local liveness check.
func Decode(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return nil, ErrMissingExpiry
	}
	return claims, nil
}

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error)
}

// Manager implements the token lifecycle over a CredentialStore.
type Manager struct {
	store     domain.CredentialStore
	refresher Refresher
	clock     clock.Clock
	margin    time.Duration
	group     singleflight.Group
	logger    *slog.Logger
}

func NewManager(store domain.CredentialStore, refresher Refresher, clk clock.Clock, margin time.Duration) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if margin < 0 {
		margin = 0
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		clock:     clk,
		margin:    margin,
		logger:    observability.Component("token"),
	}
}

// EnsureValid returns a session whose access token is not within the safety
// margin of its expiry, refreshing first when needed.
//
// Errors: domain.ErrUnauthenticated when nobody is signed in,
// domain.ErrReauthenticationRequired when a needed refresh failed.
func (m *Manager) EnsureValid(ctx context.Context) (domain.Session, error) {
	session, err := m.current(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if m.usable(&session) {
		return session, nil
	}
	return m.refresh(ctx, session.AccessToken)
}

// ForceRefresh is called after the collector rejected the given access token.
// If another caller already replaced that token, the stored session is
// returned without a second refresh.
func (m *Manager) ForceRefresh(ctx context.Context, rejected string) (domain.Session, error) {
	return m.refresh(ctx, rejected)
}

func (m *Manager) current(ctx context.Context) (domain.Session, error) {
	session, err := m.store.Get(ctx)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.Session{}, domain.ErrUnauthenticated
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to read session: %w", err)
	}
	return *session, nil
}

// usable decodes the token, fills missing identity and expiry from its claims
// and reports whether it is outside the safety margin. Undecodable tokens are
// never usable.
func (m *Manager) usable(session *domain.Session) bool {
	claims, err := Decode(session.AccessToken)
	if err != nil {
		m.logger.Warn("access token not decodable, treating as expired", slog.String("error", err.Error()))
		return false
	}
	applyClaims(session, claims)
	return m.clock.Now().Before(claims.ExpiresAt.Time.Add(-m.margin))
}

func (m *Manager) refresh(ctx context.Context, stale string) (domain.Session, error) {
	// The refresh is shared by every waiter, so it must not die with the
	// first caller's context. The collector client bounds it with its own timeout.
	shared := context.WithoutCancel(ctx)

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		session, err := m.current(shared)
		if err != nil {
			return domain.Session{}, err
		}
		if session.AccessToken != stale && m.usable(&session) {
			observability.TokenRefreshes.WithLabelValues("skipped").Inc()
			return session, nil
		}

		pair, err := m.refresher.Refresh(shared, session.RefreshToken)
		if err != nil {
			observability.TokenRefreshes.WithLabelValues("failure").Inc()
			m.logger.Warn("token refresh failed", slog.String("username", session.Username), slog.String("error", err.Error()))
			return domain.Session{}, fmt.Errorf("%w: %w", domain.ErrReauthenticationRequired, err)
		}

		refreshed := session.WithTokens(pair, time.Time{})
		if claims, err := Decode(pair.AccessToken); err == nil {
			applyClaims(&refreshed, claims)
		}
		if err := m.store.Put(shared, refreshed); err != nil {
			observability.TokenRefreshes.WithLabelValues("failure").Inc()
			return domain.Session{}, fmt.Errorf("%w: %w", domain.ErrReauthenticationRequired, err)
		}

		observability.TokenRefreshes.WithLabelValues("success").Inc()
		m.logger.Info("access token refreshed",
			slog.String("username", refreshed.Username),
			slog.Time("expires_at", refreshed.AccessExpiry))
		return refreshed, nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return v.(domain.Session), nil
}

func applyClaims(session *domain.Session, claims *Claims) {
	session.AccessExpiry = claims.ExpiresAt.Time
	if session.UserID == "" {
		session.UserID = claims.UserID
		if session.UserID == "" {
			session.UserID = claims.Subject
		}
	}
	if session.Username == "" {
		session.Username = claims.Username
	}
}
