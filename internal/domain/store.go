package domain

import (
	"context"
	"errors"
)

var ErrKeyNotFound = errors.New("key not found")

// Stable keys of the persisted engine state.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeySessionUser  = "sessionUser"
	KeyQueue        = "locationQueue"
)

// KeyValueStore is durable string-keyed storage that survives restarts.
// SetMulti and Delete apply all of their keys or none.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetMulti(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}
