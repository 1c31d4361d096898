package domain

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is the signed-in identity plus its current token pair.
type Session struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	AccessExpiry time.Time `json:"access_expiry"`
}

// TokenPair is what the collector returns from a refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// WithTokens returns a copy of the session carrying a new token pair.
func (s Session) WithTokens(pair TokenPair, expiry time.Time) Session {
	s.AccessToken = pair.AccessToken
	s.RefreshToken = pair.RefreshToken
	s.AccessExpiry = expiry
	return s
}

// CredentialStore holds the current session durably.
type CredentialStore interface {
	Get(ctx context.Context) (*Session, error)
	Put(ctx context.Context, session Session) error
	Clear(ctx context.Context) error
}
