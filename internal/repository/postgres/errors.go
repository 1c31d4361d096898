package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"locsync/internal/domain"

	"github.com/lib/pq"
)

// storageErr tags a driver error as domain.ErrStorage and keeps the
// PostgreSQL error code in the message when there is one.
func storageErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w: postgres %s (%s): %w", domain.ErrStorage, op, pqErr.Code, err)
	}
	return fmt.Errorf("%w: postgres %s: %w", domain.ErrStorage, op, err)
}

// IsConnectionError reports whether err is a PostgreSQL connection exception
// (SQLSTATE class 08) or an administrator shutdown.
func IsConnectionError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	code := string(pqErr.Code)
	return strings.HasPrefix(code, "08") || code == "57P01"
}

// retryOnConnectionLoss runs op, and once more when the first attempt failed
// with a connection exception. Every statement the repository issues is
// idempotent.
func retryOnConnectionLoss(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !IsConnectionError(err) || ctx.Err() != nil {
		return err
	}
	return op()
}
