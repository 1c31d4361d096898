package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"locsync/api/openapi"
	"locsync/internal/domain"

	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// FakeCollector is an in-process collector. It issues HS256 tokens signed
// with TokenSecret, checks every request against the collector contract and
// records the samples it accepts.
type FakeCollector struct {
	t      testing.TB
	server *httptest.Server
	router routers.Router

	mu            sync.Mutex
	now           func() time.Time
	accessTTL     time.Duration
	users         map[string]string
	refreshTokens map[string]string
	delivered     []domain.Sample
	batches       int

	failUpdates         int
	failStatus          int
	unauthorizedUpdates int
	rejectRefresh       bool
	failLogout          bool
	updateDelay         time.Duration
	refreshDelay        time.Duration

	calls map[string]int
}

// NewFakeCollector starts a collector that is closed when the test ends.
func NewFakeCollector(t testing.TB) *FakeCollector {
	t.Helper()

	doc, err := openapi.Load(openapi.CollectorSpec)
	if err != nil {
		t.Fatalf("failed to load collector contract: %v", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		t.Fatalf("failed to build collector router: %v", err)
	}

	f := &FakeCollector{
		t:             t,
		router:        router,
		now:           time.Now,
		accessTTL:     15 * time.Minute,
		users:         make(map[string]string),
		refreshTokens: make(map[string]string),
		calls:         make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", f.handleLogin)
	mux.HandleFunc("POST /register", f.handleRegister)
	mux.HandleFunc("POST /refresh-token", f.handleRefresh)
	mux.HandleFunc("POST /update", f.handleUpdate)
	mux.HandleFunc("GET /logout", f.handleLogout)

	f.server = httptest.NewServer(f.validate(mux))
	t.Cleanup(f.server.Close)
	return f
}

func (f *FakeCollector) URL() string { return f.server.URL }

// Close stops the server; later calls fail with a transport error.
func (f *FakeCollector) Close() { f.server.Close() }

// SetNow drives token expiry from a test clock.
func (f *FakeCollector) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *FakeCollector) SetAccessTTL(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessTTL = d
}

func (f *FakeCollector) AddUser(username, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[username] = password
}

// IssueSession creates the user if needed and returns a session holding a
// fresh token pair the collector will accept.
func (f *FakeCollector) IssueSession(username string) domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[username]; !ok {
		f.users[username] = "password"
	}
	access, refresh, exp := f.issueLocked(username)
	return domain.Session{
		UserID:       "user-" + username,
		Username:     username,
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExpiry: exp,
	}
}

// FailNextUpdates makes the next n update calls answer with status.
func (f *FakeCollector) FailNextUpdates(n, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdates, f.failStatus = n, status
}

// RejectNextUpdates makes the next n update calls answer 401 regardless of the token.
func (f *FakeCollector) RejectNextUpdates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unauthorizedUpdates = n
}

func (f *FakeCollector) SetRejectRefresh(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectRefresh = reject
}

func (f *FakeCollector) SetFailLogout(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLogout = fail
}

// SetUpdateDelay holds update responses; a client that gives up first is
// not counted as a delivery.
func (f *FakeCollector) SetUpdateDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateDelay = d
}

func (f *FakeCollector) SetRefreshDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshDelay = d
}

// Delivered returns accepted samples in arrival order.
func (f *FakeCollector) Delivered() []domain.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Sample, len(f.delivered))
	copy(out, f.delivered)
	return out
}

// Batches counts update calls that carried an array of samples.
func (f *FakeCollector) Batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

// Calls returns how many requests hit the given path, e.g. "/refresh-token".
func (f *FakeCollector) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *FakeCollector) validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.URL.Path]++
		f.mu.Unlock()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeCollectorError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		route, params, err := f.router.FindRoute(r)
		if err != nil {
			f.t.Errorf("collector: request outside contract: %s %s: %v", r.Method, r.URL.Path, err)
			writeCollectorError(w, http.StatusNotFound, "unknown route")
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			f.t.Errorf("collector: request violates contract: %s %s: %v", r.Method, r.URL.Path, err)
			writeCollectorError(w, http.StatusBadRequest, "invalid request")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (f *FakeCollector) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct{ Username, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCollectorError(w, http.StatusBadRequest, "invalid body")
		return
	}

	f.mu.Lock()
	password, ok := f.users[req.Username]
	if !ok || password != req.Password {
		f.mu.Unlock()
		writeCollectorError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	access, refresh, _ := f.issueLocked(req.Username)
	f.mu.Unlock()

	writeCollectorJSON(w, http.StatusOK, map[string]string{
		"userId":       "user-" + req.Username,
		"accessToken":  access,
		"refreshToken": refresh,
	})
}

func (f *FakeCollector) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct{ Username, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCollectorError(w, http.StatusBadRequest, "invalid body")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.users[req.Username]; exists {
		writeCollectorJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "username already taken"})
		return
	}
	f.users[req.Username] = req.Password
	writeCollectorJSON(w, http.StatusCreated, map[string]any{"success": true, "userId": "user-" + req.Username})
}

func (f *FakeCollector) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCollectorError(w, http.StatusBadRequest, "invalid body")
		return
	}

	f.mu.Lock()
	delay := f.refreshDelay
	f.mu.Unlock()
	if !sleepCtx(r.Context(), delay) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	username, ok := f.refreshTokens[req.RefreshToken]
	if f.rejectRefresh || !ok {
		writeCollectorError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	// Refresh tokens rotate: each one is good for a single exchange.
	delete(f.refreshTokens, req.RefreshToken)
	access, refresh, _ := f.issueLocked(username)
	writeCollectorJSON(w, http.StatusOK, map[string]string{"accessToken": access, "refreshToken": refresh})
}

func (f *FakeCollector) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string          `json:"username"`
		Location json.RawMessage `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCollectorError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var samples []domain.Sample
	batch := strings.HasPrefix(strings.TrimSpace(string(req.Location)), "[")
	if batch {
		if err := json.Unmarshal(req.Location, &samples); err != nil {
			writeCollectorError(w, http.StatusBadRequest, "invalid location array")
			return
		}
	} else {
		var s domain.Sample
		if err := json.Unmarshal(req.Location, &s); err != nil {
			writeCollectorError(w, http.StatusBadRequest, "invalid location")
			return
		}
		samples = []domain.Sample{s}
	}

	f.mu.Lock()
	delay := f.updateDelay
	f.mu.Unlock()
	if !sleepCtx(r.Context(), delay) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unauthorizedUpdates > 0 {
		f.unauthorizedUpdates--
		writeCollectorError(w, http.StatusUnauthorized, "token rejected")
		return
	}
	if err := f.authorizeLocked(r, req.Username); err != nil {
		writeCollectorError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if f.failUpdates > 0 {
		f.failUpdates--
		writeCollectorError(w, f.failStatus, "injected failure")
		return
	}

	f.delivered = append(f.delivered, samples...)
	if batch {
		f.batches++
	}
	writeCollectorJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (f *FakeCollector) handleLogout(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLogout {
		writeCollectorError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeCollectorJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (f *FakeCollector) issueLocked(username string) (access, refresh string, exp time.Time) {
	exp = f.now().Add(f.accessTTL)
	access = MintToken("user-"+username, username, exp)
	refresh = uuid.NewString()
	f.refreshTokens[refresh] = username
	return access, refresh, exp
}

func (f *FakeCollector) authorizeLocked(r *http.Request, username string) error {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return errors.New("missing bearer token")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return TokenSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(f.now))
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if claims["username"] != username {
		return errors.New("token does not belong to user")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func writeCollectorJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeCollectorError(w http.ResponseWriter, status int, message string) {
	writeCollectorJSON(w, status, map[string]string{"message": message})
}
