package federation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcbridge/internal/auth"
	"oidcbridge/internal/auth/oidc"
	"oidcbridge/internal/observability"
	"oidcbridge/internal/storage"
	"oidcbridge/internal/storage/sqlite"
)

func TestResolve_NewUserLanguage(t *testing.T) {
	tests := []struct {
		name     string
		siteLang string
		fallback string
		want     string
	}{
		{"site setting wins", "de", "es", "de"},
		{"static default when unset", "", "es", "es"},
		{"invalid site setting", "not a language!", "es", "es"},
		{"everything invalid", "???", "!!", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			settings := storage.NewMemorySettings(nil)
			require.NoError(t, settings.SetDefaultLang(ctx, tt.siteLang))
			r := NewResolver(auth.NewMemoryUserStore(),
				WithLangSource(settings),
				WithDefaultLang(tt.fallback))

			u, err := r.Resolve(ctx, oidc.Claims{PreferredUsername: "bob"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Lang)
		})
	}
}

func TestResolve_FullNameFromPartialClaims(t *testing.T) {
	r := NewResolver(auth.NewMemoryUserStore())

	u, err := r.Resolve(context.Background(), oidc.Claims{PreferredUsername: "carol", GivenName: "Carol"})
	require.NoError(t, err)
	assert.Equal(t, "Carol", u.FullName)
}

func TestResolve_CountsProvisionedUsers(t *testing.T) {
	ctx := context.Background()
	m := observability.NewMetrics(observability.MetricsConfig{})
	r := NewResolver(auth.NewMemoryUserStore(), WithMetrics(m))

	_, err := r.Resolve(ctx, oidc.Claims{PreferredUsername: "dave"})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, oidc.Claims{PreferredUsername: "dave"})
	require.NoError(t, err)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() == "oidcbridge_users_provisioned_total" {
			total = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), total)
}

// Separate resolvers share no singleflight group, so the store's uniqueness
// constraint is what keeps the row count at one.
func resolveConcurrently(t *testing.T, users auth.UserStore, n int) []*auth.User {
	t.Helper()
	ctx := context.Background()
	claims := oidc.Claims{PreferredUsername: "alice", Email: "a@x.com", GivenName: "Alice", FamilyName: "Lee"}

	results := make([]*auth.User, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := NewResolver(users)
			<-start
			results[i], errs[i] = r.Resolve(ctx, claims)
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "resolve %d", i)
	}
	return results
}

func TestResolve_ConcurrentMemoryStore(t *testing.T) {
	users := auth.NewMemoryUserStore()

	results := resolveConcurrently(t, users, 50)

	all, err := users.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	for _, u := range results {
		assert.Equal(t, all[0].ID, u.ID)
	}
}

func TestResolve_ConcurrentSQLiteStore(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "federation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	users := auth.NewSQLiteUserStore(store.DB())

	results := resolveConcurrently(t, users, 20)

	all, err := users.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "alice", all[0].Username)
	assert.Equal(t, "Alice Lee", all[0].FullName)
	for _, u := range results {
		assert.Equal(t, all[0].ID, u.ID)
	}
}

// gatedCreateStore blocks Create until release is closed or the insert's own
// context ends.
type gatedCreateStore struct {
	*auth.MemoryUserStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedCreateStore) Create(ctx context.Context, u *auth.User) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.release:
	}
	return s.MemoryUserStore.Create(ctx, u)
}

func TestResolve_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := &gatedCreateStore{
		MemoryUserStore: auth.NewMemoryUserStore(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	r := NewResolver(store)
	claims := oidc.Claims{PreferredUsername: "bob"}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, claims)
		errA <- err
	}()
	<-store.entered

	type result struct {
		user *auth.User
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		u, err := r.Resolve(context.Background(), claims)
		resB <- result{u, err}
	}()
	// Give the second caller time to join the in-flight insert.
	time.Sleep(50 * time.Millisecond)

	cancelA()
	err := <-errA
	require.ErrorIs(t, err, context.Canceled)
	var uce *UserCreationError
	assert.ErrorAs(t, err, &uce)

	close(store.release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "bob", b.user.Username)

	stored, err := store.GetByUsername(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, b.user.ID, stored.ID)
}
