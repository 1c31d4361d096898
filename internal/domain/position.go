package domain

import (
	"context"
	"errors"
)

var ErrNoFix = errors.New("no position fix available")

// PositionSource yields the device position on demand.
type PositionSource interface {
	Current(ctx context.Context) (Reading, error)
}
