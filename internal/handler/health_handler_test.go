package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"locsync/internal/testutil"

	"github.com/stretchr/testify/assert"
)

type stubBroker struct{ closed bool }

func (b stubBroker) IsClosed() bool { return b.closed }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()

	Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	failingStore := testutil.NewMockKVStore()
	failingStore.PingFunc = func(context.Context) error { return errors.New("database is locked") }

	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantState  string
		wantChecks map[string]string
	}{
		{
			name:       "store only",
			checks:     []HealthCheck{StoreCheck(testutil.NewMockKVStore())},
			wantStatus: http.StatusOK,
			wantState:  "ready",
			wantChecks: map[string]string{"store": "up"},
		},
		{
			name:       "store and broker up",
			checks:     []HealthCheck{StoreCheck(testutil.NewMockKVStore()), BrokerCheck(stubBroker{})},
			wantStatus: http.StatusOK,
			wantState:  "ready",
			wantChecks: map[string]string{"store": "up", "broker": "up"},
		},
		{
			name:       "broker closed",
			checks:     []HealthCheck{StoreCheck(testutil.NewMockKVStore()), BrokerCheck(stubBroker{closed: true})},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "not_ready",
			wantChecks: map[string]string{"store": "up", "broker": "down"},
		},
		{
			name:       "store down",
			checks:     []HealthCheck{StoreCheck(failingStore)},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "not_ready",
			wantChecks: map[string]string{"store": "down"},
		},
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantState:  "ready",
			wantChecks: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			Ready(tt.checks...)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			testutil.AssertStatusCode(t, rec, tt.wantStatus)
			resp := testutil.DecodeJSON[ReadyResponse](t, rec)
			assert.Equal(t, tt.wantState, resp.Status)
			_, err := time.Parse(time.RFC3339, resp.Timestamp)
			assert.NoError(t, err)

			got := make(map[string]string, len(resp.Checks))
			for name, result := range resp.Checks {
				got[name] = result.Status
			}
			assert.Equal(t, tt.wantChecks, got)
		})
	}
}

func TestReadyReportsProbeError(t *testing.T) {
	store := testutil.NewMockKVStore()
	store.PingFunc = func(context.Context) error { return errors.New("database is locked") }
	rec := httptest.NewRecorder()

	Ready(StoreCheck(store))(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	resp := testutil.DecodeJSON[ReadyResponse](t, rec)
	assert.Equal(t, "database is locked", resp.Checks["store"].Error)
}

func TestReadyTimesOutSlowProbe(t *testing.T) {
	slow := HealthCheck{Name: "slow", Probe: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()

	Ready(slow)(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil).WithContext(ctx))

	testutil.AssertStatusCode(t, rec, http.StatusServiceUnavailable)
}
