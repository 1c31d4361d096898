package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"locsync/internal/clock"
	"locsync/internal/collector"
	"locsync/internal/credential"
	"locsync/internal/engine"
	"locsync/internal/queue"
	"locsync/internal/repository/memory"
	"locsync/internal/testutil"
	"locsync/internal/token"
	ws "locsync/internal/websocket"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routerToken = "router-test-token-0123456789abcdef"

type agent struct {
	fake   *testutil.FakeCollector
	eng    *engine.Engine
	server *httptest.Server
}

// newAgent wires a real engine against a fake collector behind the full
// control API, the way cmd/locsync-agent does.
func newAgent(t *testing.T) *agent {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	fake := testutil.NewFakeCollector(t)
	fake.SetNow(clk.Now)
	fake.AddUser("alice", "secret")

	kv := memory.NewKVStore()
	creds := credential.NewStore(kv)
	client := collector.NewClient(fake.URL(), collector.WithTimeout(time.Second))
	q, err := queue.Open(context.Background(), kv, queue.DefaultMaxDepth)
	require.NoError(t, err)

	eng, err := engine.New(engine.DefaultConfig(), engine.Dependencies{
		Collector:   client,
		Credentials: creds,
		Tokens:      token.NewManager(creds, client, clk, token.DefaultSafetyMargin),
		Queue:       q,
		Source:      testutil.NewMockPositionSource(45.5, -73.6),
		Clock:       clk,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(eng.Status)
	go func() { _ = hub.Run(ctx) }()
	unsubscribe := eng.Subscribe(hub.Publish)
	go func() { _ = eng.Run(ctx) }()

	router, err := NewRouter(ctx, RouterConfig{
		Engine:           eng,
		Hub:              hub,
		ControlToken:     routerToken,
		AllowedOrigins:   []string{"http://localhost:3000"},
		ValidateRequests: true,
		Checks:           []HealthCheck{StoreCheck(kv)},
	})
	require.NoError(t, err)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		unsubscribe()
		cancel()
		<-eng.Done()
	})

	return &agent{fake: fake, eng: eng, server: server}
}

func (a *agent) serve(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.server.Config.Handler.ServeHTTP(rec, req)
	return rec
}

func (a *agent) call(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return a.serve(t, testutil.NewAuthorizedRequest(t, method, path, routerToken, body))
}

func TestRouterSessionFlow(t *testing.T) {
	a := newAgent(t)

	rec := a.call(t, http.MethodPost, "/api/v1/session/login", CredentialsRequest{Username: "alice", Password: "secret"})
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	st := testutil.DecodeJSON[statusBody](t, rec)
	assert.True(t, st.SignedIn)
	assert.Equal(t, "running", st.State)

	rec = a.call(t, http.MethodPost, "/api/v1/session/login", CredentialsRequest{Username: "alice", Password: "secret"})
	testutil.AssertJSONError(t, rec, http.StatusConflict, "already signed in")

	rec = a.call(t, http.MethodPost, "/api/v1/sync", nil)
	testutil.AssertStatusCode(t, rec, http.StatusAccepted)
	assert.Equal(t, int64(1), testutil.DecodeJSON[statusBody](t, rec).DeliveredTotal)
	assert.Len(t, a.fake.Delivered(), 1)

	rec = a.call(t, http.MethodPut, "/api/v1/interval", map[string]string{"interval": "OFF"})
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	st = testutil.DecodeJSON[statusBody](t, rec)
	assert.Equal(t, "OFF", st.CurrentInterval)
	assert.Equal(t, "suspended", st.State)

	rec = a.call(t, http.MethodPost, "/api/v1/session/logout", nil)
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	st = testutil.DecodeJSON[statusBody](t, rec)
	assert.False(t, st.SignedIn)
	assert.Equal(t, "stopped", st.State)

	rec = a.call(t, http.MethodPost, "/api/v1/sync", nil)
	testutil.AssertJSONError(t, rec, http.StatusConflict, "not signed in")
}

func TestRouterLoginRejected(t *testing.T) {
	a := newAgent(t)

	rec := a.call(t, http.MethodPost, "/api/v1/session/login", CredentialsRequest{Username: "alice", Password: "wrong"})

	testutil.AssertStatusCode(t, rec, http.StatusUnauthorized)
	assert.False(t, a.eng.Status().SignedIn)
}

func TestRouterRegister(t *testing.T) {
	a := newAgent(t)

	rec := a.call(t, http.MethodPost, "/api/v1/session/register", CredentialsRequest{Username: "bob", Password: "pw"})
	testutil.AssertStatusCode(t, rec, http.StatusCreated)

	rec = a.call(t, http.MethodPost, "/api/v1/session/login", CredentialsRequest{Username: "bob", Password: "pw"})
	testutil.AssertStatusCode(t, rec, http.StatusOK)
}

func TestRouterRequiresControlToken(t *testing.T) {
	a := newAgent(t)

	rec := a.serve(t, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	testutil.AssertJSONError(t, rec, http.StatusUnauthorized, "Not authenticated")

	rec = a.serve(t, testutil.NewAuthorizedRequest(t, http.MethodGet, "/api/v1/status", "wrong", nil))
	testutil.AssertJSONError(t, rec, http.StatusUnauthorized, "Invalid control token")

	// Health and metrics stay open.
	rec = a.serve(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	rec = a.serve(t, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	rec = a.serve(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "locsync_http_requests_total")
}

func TestRouterValidatesRequests(t *testing.T) {
	a := newAgent(t)

	rec := a.call(t, http.MethodPost, "/api/v1/session/login", map[string]string{"username": "alice"})

	testutil.AssertJSONError(t, rec, http.StatusBadRequest, "Request validation failed")
	assert.Equal(t, 0, a.fake.Calls("/login"))
}

func TestRouterIntervals(t *testing.T) {
	a := newAgent(t)

	rec := a.call(t, http.MethodGet, "/api/v1/intervals", nil)

	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.Contains(t, rec.Body.String(), `"OFF"`)
}

func TestRouterUnknownRoute(t *testing.T) {
	a := newAgent(t)

	rec := a.serve(t, httptest.NewRequest(http.MethodGet, "/admin", nil))

	testutil.AssertJSONError(t, rec, http.StatusNotFound, "Not Found")
}

func TestRouterStatusStream(t *testing.T) {
	a := newAgent(t)
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws/status"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+routerToken, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first statusBody
	require.NoError(t, conn.ReadJSON(&first))
	assert.False(t, first.SignedIn)

	rec := a.call(t, http.MethodPost, "/api/v1/session/login", CredentialsRequest{Username: "alice", Password: "secret"})
	testutil.AssertStatusCode(t, rec, http.StatusOK)

	for {
		var st statusBody
		require.NoError(t, conn.ReadJSON(&st))
		if st.SignedIn {
			assert.Equal(t, "alice", st.Username)
			return
		}
	}
}

func TestRouterStatusStreamRejectsForeignOrigin(t *testing.T) {
	a := newAgent(t)
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws/status?token=" + routerToken

	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
