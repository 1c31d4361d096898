package handler

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Health returns basic health check
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type ReadyResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Checks    map[string]HealthCheckResult `json:"checks"`
}

// Pinger is satisfied by every KeyValueStore.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck reports whether the durable store answers.
func StoreCheck(store Pinger) HealthCheck {
	return HealthCheck{Name: "store", Probe: store.Ping}
}

// BrokerCheck reports whether the position broker connection is open.
func BrokerCheck(broker interface{ IsClosed() bool }) HealthCheck {
	return HealthCheck{
		Name: "broker",
		Probe: func(context.Context) error {
			if broker.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		},
	}
}

// Ready returns readiness check with dependencies, run in parallel.
func Ready(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		results := make([]HealthCheckResult, len(checks))
		done := make(chan struct{}, len(checks))
		for i, check := range checks {
			go func() {
				results[i] = runCheck(ctx, check)
				done <- struct{}{}
			}()
		}
		for range checks {
			<-done
		}

		resp := ReadyResponse{
			Status:    "ready",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    make(map[string]HealthCheckResult, len(checks)),
		}
		status := http.StatusOK
		for i, check := range checks {
			resp.Checks[check.Name] = results[i]
			if results[i].Status != "up" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
			}
		}

		writeJSON(w, status, resp)
	}
}

func runCheck(ctx context.Context, check HealthCheck) HealthCheckResult {
	start := time.Now()
	err := check.Probe(ctx)
	result := HealthCheckResult{Status: "up", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "down"
		result.Error = err.Error()
	}
	return result
}
