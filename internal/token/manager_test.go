package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"locsync/internal/clock"
	"locsync/internal/collector"
	"locsync/internal/credential"
	"locsync/internal/domain"
	"locsync/internal/repository/memory"
	"locsync/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stubRefresher mints a new pair per call and can block until released.
type stubRefresher struct {
	calls   atomic.Int32
	gate    chan struct{}
	err     error
	expires time.Time
}

func (s *stubRefresher) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return domain.TokenPair{}, s.err
	}
	return domain.TokenPair{
		AccessToken:  testutil.MintToken("user-alice", "alice", s.expires),
		RefreshToken: refreshToken + "-next",
	}, nil
}

func setup(t *testing.T, exp time.Time) (*Manager, *credential.Store, *stubRefresher, *clock.FakeClock) {
	t.Helper()
	store := credential.NewStore(memory.NewKVStore())
	if !exp.IsZero() {
		require.NoError(t, store.Put(context.Background(), testutil.NewTestSession("alice", exp)))
	}
	refresher := &stubRefresher{expires: epoch.Add(time.Hour)}
	clk := clock.NewFake(epoch)
	return NewManager(store, refresher, clk, DefaultSafetyMargin), store, refresher, clk
}

func TestEnsureValid_NoSession(t *testing.T) {
	m, _, refresher, _ := setup(t, time.Time{})

	_, err := m.EnsureValid(context.Background())

	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Zero(t, refresher.calls.Load())
}

func TestEnsureValid_FreshTokenUnchanged(t *testing.T) {
	m, store, refresher, _ := setup(t, epoch.Add(10*time.Minute))
	before, err := store.Get(context.Background())
	require.NoError(t, err)

	session, err := m.EnsureValid(context.Background())

	require.NoError(t, err)
	assert.Equal(t, before.AccessToken, session.AccessToken)
	assert.Equal(t, "alice", session.Username)
	assert.Zero(t, refresher.calls.Load())
}

func TestEnsureValid_RefreshesWhenExpiredOrWithinMargin(t *testing.T) {
	tests := []struct {
		name string
		exp  time.Time
	}{
		{"expired", epoch.Add(-time.Minute)},
		{"exactly at margin", epoch.Add(DefaultSafetyMargin)},
		{"inside margin", epoch.Add(10 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, refresher, _ := setup(t, tt.exp)
			old, err := store.Get(context.Background())
			require.NoError(t, err)

			session, err := m.EnsureValid(context.Background())

			require.NoError(t, err)
			assert.Equal(t, int32(1), refresher.calls.Load())
			assert.NotEqual(t, old.AccessToken, session.AccessToken)
			assert.Equal(t, old.RefreshToken+"-next", session.RefreshToken)
			assert.True(t, session.AccessExpiry.Equal(epoch.Add(time.Hour)))

			stored, err := store.Get(context.Background())
			require.NoError(t, err)
			assert.Equal(t, session.AccessToken, stored.AccessToken)
			assert.Equal(t, session.RefreshToken, stored.RefreshToken)
		})
	}
}

func TestEnsureValid_UndecodableTokenIsRefreshed(t *testing.T) {
	store := credential.NewStore(memory.NewKVStore())
	require.NoError(t, store.Put(context.Background(), domain.Session{
		Username: "alice", AccessToken: "not-a-jwt", RefreshToken: "r1",
	}))
	refresher := &stubRefresher{expires: epoch.Add(time.Hour)}
	m := NewManager(store, refresher, clock.NewFake(epoch), DefaultSafetyMargin)

	session, err := m.EnsureValid(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.Equal(t, "r1-next", session.RefreshToken)
}

func TestEnsureValid_RefreshFailureRequiresReauthentication(t *testing.T) {
	m, store, refresher, _ := setup(t, epoch.Add(-time.Minute))
	refresher.err = &domain.StatusError{Op: "refresh", StatusCode: 401}
	old, err := store.Get(context.Background())
	require.NoError(t, err)

	_, err = m.EnsureValid(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReauthenticationRequired)
	assert.ErrorIs(t, err, domain.ErrAuth)

	stored, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, old.AccessToken, stored.AccessToken, "failed refresh must not touch the session")
}

func TestEnsureValid_ConcurrentCallersShareOneRefresh(t *testing.T) {
	m, _, refresher, _ := setup(t, epoch.Add(-time.Minute))
	refresher.gate = make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.EnsureValid(context.Background())
			tokens[i], errs[i] = s.AccessToken, err
		}(i)
	}

	testutil.WaitFor(t, time.Second, func() bool { return refresher.calls.Load() == 1 }, "refresh started")
	time.Sleep(20 * time.Millisecond)
	close(refresher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), refresher.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestForceRefresh(t *testing.T) {
	t.Run("refreshes the rejected token", func(t *testing.T) {
		m, store, refresher, _ := setup(t, epoch.Add(10*time.Minute))
		old, err := store.Get(context.Background())
		require.NoError(t, err)

		session, err := m.ForceRefresh(context.Background(), old.AccessToken)

		require.NoError(t, err)
		assert.Equal(t, int32(1), refresher.calls.Load())
		assert.NotEqual(t, old.AccessToken, session.AccessToken)
	})

	t.Run("skips when the token was already replaced", func(t *testing.T) {
		m, store, refresher, _ := setup(t, epoch.Add(10*time.Minute))
		current, err := store.Get(context.Background())
		require.NoError(t, err)

		session, err := m.ForceRefresh(context.Background(), "some-older-token")

		require.NoError(t, err)
		assert.Zero(t, refresher.calls.Load())
		assert.Equal(t, current.AccessToken, session.AccessToken)
	})
}

func TestEnsureValid_AgainstCollector(t *testing.T) {
	fake := testutil.NewFakeCollector(t)
	clk := clock.NewFake(epoch)
	fake.SetNow(clk.Now)
	fake.SetAccessTTL(time.Minute)

	store := credential.NewStore(memory.NewKVStore())
	require.NoError(t, store.Put(context.Background(), fake.IssueSession("alice")))
	m := NewManager(store, collector.NewClient(fake.URL()), clk, DefaultSafetyMargin)

	_, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fake.Calls("/refresh-token"))

	clk.Advance(45 * time.Second)
	_, err = m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls("/refresh-token"))

	fake.SetRejectRefresh(true)
	clk.Advance(45 * time.Second)
	_, err = m.EnsureValid(context.Background())
	assert.ErrorIs(t, err, domain.ErrReauthenticationRequired)
}

func TestEnsureValid_ConcurrentCallersAgainstCollector(t *testing.T) {
	fake := testutil.NewFakeCollector(t)
	clk := clock.NewFake(epoch)
	fake.SetNow(clk.Now)
	fake.SetAccessTTL(time.Minute)
	fake.SetRefreshDelay(50 * time.Millisecond)

	store := credential.NewStore(memory.NewKVStore())
	require.NoError(t, store.Put(context.Background(), fake.IssueSession("alice")))
	m := NewManager(store, collector.NewClient(fake.URL()), clk, DefaultSafetyMargin)
	clk.Advance(2 * time.Minute)

	// Refresh tokens are single-use, so a second refresh would be rejected.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.EnsureValid(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.Calls("/refresh-token"))
}

func TestDecode(t *testing.T) {
	exp := epoch.Add(time.Hour)
	claims, err := Decode(testutil.MintToken("user-7", "bob", exp))
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.UserID)
	assert.Equal(t, "bob", claims.Username)
	assert.True(t, claims.ExpiresAt.Time.Equal(exp))

	_, err = Decode("garbage")
	assert.Error(t, err)
}
