package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by the engine, the collector client and the stores.
var (
	ErrTransport                = errors.New("transport error")
	ErrAuth                     = errors.New("authentication failed")
	ErrUnauthorized             = errors.New("access token rejected")
	ErrDelivery                 = errors.New("delivery rejected")
	ErrValidation               = errors.New("validation failed")
	ErrStorage                  = errors.New("storage error")
	ErrUnauthenticated          = errors.New("not authenticated")
	ErrReauthenticationRequired = errors.New("re-authentication required")
	ErrAlreadySignedIn          = errors.New("already signed in")
	ErrNotSignedIn              = errors.New("not signed in")
	ErrEngineStopped            = errors.New("engine stopped")
)

// StatusError is a non-2xx answer from the collector.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

// Unwrap maps the status code onto the sentinel callers match with errors.Is.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		if e.Op == "login" || e.Op == "refresh" {
			return ErrAuth
		}
		return ErrUnauthorized
	case e.StatusCode >= 500:
		return ErrTransport
	case e.Op == "register" && e.StatusCode < 500:
		return ErrValidation
	case e.Op == "login" || e.Op == "refresh":
		return ErrAuth
	default:
		return ErrDelivery
	}
}

// IsRetryable reports whether err is a failure of the collector exchange
// itself, one that counts toward delivery backoff. Storage failures and
// cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrDelivery) ||
		errors.Is(err, ErrUnauthorized)
}
