// Package credential keeps the current session durably in a KeyValueStore.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"locsync/internal/domain"
	"locsync/internal/security"
)

type sessionUser struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	AccessExpiry time.Time `json:"access_expiry"`
}

// Store implements domain.CredentialStore. Get, Put and Clear are mutually
// exclusive, and Put writes every key in one SetMulti so a reader never sees
// a token pair from two different sessions.
type Store struct {
	mu      sync.RWMutex
	kv      domain.KeyValueStore
	access  security.Sealer
	refresh security.Sealer

	cached *domain.Session
	loaded bool
}

type Option func(*Store)

// WithSealers seals the access and refresh tokens before they are written.
func WithSealers(access, refresh security.Sealer) Option {
	return func(s *Store) {
		s.access = access
		s.refresh = refresh
	}
}

func NewStore(kv domain.KeyValueStore, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		access:  security.NoopSealer{},
		refresh: security.NoopSealer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current session or domain.ErrSessionNotFound.
func (s *Store) Get(ctx context.Context) (*domain.Session, error) {
	s.mu.RLock()
	if s.loaded {
		defer s.mu.RUnlock()
		return copySession(s.cached)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		session, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		s.cached, s.loaded = session, true
	}
	return copySession(s.cached)
}

func (s *Store) load(ctx context.Context) (*domain.Session, error) {
	access, err := s.read(ctx, domain.KeyAccessToken, s.access)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	refresh, err := s.read(ctx, domain.KeyRefreshToken, s.refresh)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session := &domain.Session{AccessToken: access, RefreshToken: refresh}

	// Tokens written without user metadata are still a usable session;
	// the token manager fills identity from the access token claims.
	raw, err := s.kv.Get(ctx, domain.KeySessionUser)
	switch {
	case errors.Is(err, domain.ErrKeyNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to read session user: %w", err)
	default:
		var u sessionUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("%w: corrupt session user: %w", domain.ErrStorage, err)
		}
		session.UserID = u.UserID
		session.Username = u.Username
		session.AccessExpiry = u.AccessExpiry
	}

	return session, nil
}

func (s *Store) read(ctx context.Context, key string, sealer security.Sealer) (string, error) {
	stored, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}
	plain, err := sealer.Open(stored)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrStorage, key, err)
	}
	return plain, nil
}

// Put replaces the whole session.
func (s *Store) Put(ctx context.Context, session domain.Session) error {
	if session.AccessToken == "" || session.RefreshToken == "" {
		return fmt.Errorf("%w: session needs both tokens", domain.ErrValidation)
	}

	access, err := s.access.Seal(session.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := s.refresh.Seal(session.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}
	user, err := json.Marshal(sessionUser{
		UserID:       session.UserID,
		Username:     session.Username,
		AccessExpiry: session.AccessExpiry,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.SetMulti(ctx, map[string]string{
		domain.KeyAccessToken:  access,
		domain.KeyRefreshToken: refresh,
		domain.KeySessionUser:  string(user),
	}); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	stored := session
	s.cached, s.loaded = &stored, true
	return nil
}

// Clear removes the session. Clearing an absent session is not an error.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, domain.KeyAccessToken, domain.KeyRefreshToken, domain.KeySessionUser); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	s.cached, s.loaded = nil, true
	return nil
}

func copySession(session *domain.Session) (*domain.Session, error) {
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	c := *session
	return &c, nil
}
