package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcbridge/internal/audit"
	"oidcbridge/internal/auth"
	"oidcbridge/internal/auth/oidc"
	"oidcbridge/internal/cache"
	"oidcbridge/internal/storage"
)

// fakeClient is an oidc.Client with scripted results.
type fakeClient struct {
	step   oidc.Step
	err    error
	panics any
	claims map[string]string

	authCalls atomic.Int32
}

func (c *fakeClient) HasCallbackError(p oidc.CallbackParameters) bool { return p.HasError() }

func (c *fakeClient) Authenticate(_ context.Context, p oidc.CallbackParameters) (oidc.Step, error) {
	c.authCalls.Add(1)
	if c.panics != nil {
		panic(c.panics)
	}
	if c.err != nil {
		return oidc.Step{}, c.err
	}
	if !p.IsCallback() {
		return oidc.Step{RedirectURL: "https://idp.test/authorize?state=s"}, nil
	}
	return c.step, nil
}

func (c *fakeClient) RequestClaim(name string) (string, bool) {
	v, ok := c.claims[name]
	return v, ok
}

type fakeFactory struct {
	client *fakeClient
	builds atomic.Int32
}

func (f *fakeFactory) Build(oidc.Configuration) oidc.Client {
	f.builds.Add(1)
	return f.client
}

func aliceClaims() map[string]string {
	return map[string]string{
		oidc.ClaimPreferredUsername: "alice",
		oidc.ClaimEmail:             "a@x.com",
		oidc.ClaimGivenName:         "Alice",
		oidc.ClaimFamilyName:        "Lee",
	}
}

func completeConfig() oidc.Configuration {
	return oidc.Configuration{
		ProviderURL:  "https://idp.test",
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.test/login",
	}
}

type harness struct {
	settings *storage.Settings
	users    *auth.MemoryUserStore
	audit    *audit.MemoryAuditLogger
	pending  *PendingStore
	factory  *fakeFactory
	client   *fakeClient
	orch     *Orchestrator
	plugin   *Plugin
	notes    []Notification
}

func newHarness(t *testing.T, cfg oidc.Configuration) *harness {
	t.Helper()
	h := &harness{
		settings: storage.NewMemorySettings(nil),
		users:    auth.NewMemoryUserStore(),
		audit:    audit.NewMemoryAuditLogger(),
		pending:  NewPendingStore(cache.NewMemory(cache.DefaultTTL), 0),
		client: &fakeClient{
			step:   oidc.Step{Authenticated: true},
			claims: aliceClaims(),
		},
	}
	h.factory = &fakeFactory{client: h.client}
	require.NoError(t, h.settings.UpdateOIDCSettings(context.Background(), cfg))

	resolver := NewResolver(h.users, WithLangSource(h.settings), WithAudit(h.audit))
	h.orch = NewOrchestrator(OrchestratorConfig{
		Settings: h.settings,
		Factory:  h.factory,
		Resolver: resolver,
		Pending:  h.pending,
		Audit:    h.audit,
	})
	h.plugin = NewPlugin(PluginConfig{
		Redirects:    h.settings,
		Orchestrator: h.orch,
		Binder:       NewBinder(h.users, nil),
		Pending:      h.pending,
		Audit:        h.audit,
	})
	return h
}

func (h *harness) request(params oidc.CallbackParameters) *RequestContext {
	return &RequestContext{
		Host:       "app.test",
		Secure:     true,
		SessionKey: "browser-session-1",
		Lang:       "en",
		Params:     params,
		Notify:     NotificationFunc(func(n Notification) { h.notes = append(h.notes, n) }),
	}
}

func callback() oidc.CallbackParameters {
	return oidc.CallbackParameters{Code: "code", State: "state"}
}

func TestRun_ConfigMissingNeverContactsProvider(t *testing.T) {
	full := completeConfig()
	cases := map[string]oidc.Configuration{
		"empty":          {},
		"no provider":    {ClientID: full.ClientID, ClientSecret: full.ClientSecret, RedirectURL: full.RedirectURL},
		"no client id":   {ProviderURL: full.ProviderURL, ClientSecret: full.ClientSecret, RedirectURL: full.RedirectURL},
		"no secret":      {ProviderURL: full.ProviderURL, ClientID: full.ClientID, RedirectURL: full.RedirectURL},
		"no redirect":    {ProviderURL: full.ProviderURL, ClientID: full.ClientID, ClientSecret: full.ClientSecret},
		"blank provider": {ProviderURL: "   ", ClientID: full.ClientID, ClientSecret: full.ClientSecret, RedirectURL: full.RedirectURL},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, cfg)
			for _, params := range []oidc.CallbackParameters{{}, callback()} {
				out := h.plugin.OnLoginAttempt(context.Background(), h.request(params))
				assert.Equal(t, StateFailed, out.State)
				assert.Equal(t, FailureConfigMissing, out.Failure)
				assert.ErrorIs(t, out.Err, oidc.ErrConfigMissing)
			}
			assert.Zero(t, h.factory.builds.Load(), "client must not be built")
			assert.Zero(t, h.client.authCalls.Load())
			require.Len(t, h.notes, 2)
			assert.Contains(t, h.notes[0].Message, "contact your administrator")
		})
	}
}

func TestRun_ProviderAbortSkipsAuthenticate(t *testing.T) {
	h := newHarness(t, completeConfig())

	out := h.plugin.OnLoginAttempt(context.Background(), h.request(oidc.CallbackParameters{
		Error: "access_denied",
		State: "state",
	}))

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, FailureProviderAborted, out.Failure)
	assert.ErrorIs(t, out.Err, ErrProviderAborted)
	assert.Zero(t, h.client.authCalls.Load())
	require.NotNil(t, out.Notification)
	assert.Equal(t, "An error occurred during the authentication process.", out.Notification.Message)
}

func TestRun_EmptyErrorParameterIsAnAbort(t *testing.T) {
	h := newHarness(t, completeConfig())
	q, err := url.ParseQuery("error=")
	require.NoError(t, err)

	out := h.plugin.OnLoginAttempt(context.Background(), h.request(oidc.ParseCallback(q)))

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, FailureProviderAborted, out.Failure)
	assert.Empty(t, out.RedirectURL)
	assert.Zero(t, h.client.authCalls.Load())
}

func TestRun_FirstPhaseRedirects(t *testing.T) {
	h := newHarness(t, completeConfig())

	out := h.plugin.OnLoginAttempt(context.Background(), h.request(oidc.CallbackParameters{}))

	assert.Equal(t, StateRedirecting, out.State)
	assert.Equal(t, "https://idp.test/authorize?state=s", out.RedirectURL)
	assert.Empty(t, h.notes)

	users, err := h.users.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRun_ProvisionsNewUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, completeConfig())

	out := h.plugin.OnLoginAttempt(ctx, h.request(callback()))

	require.Equal(t, StateAuthenticated, out.State, "err: %v", out.Err)
	require.NotNil(t, out.User)
	assert.Equal(t, "alice", out.User.Username)
	assert.Equal(t, "Alice Lee", out.User.FullName)
	assert.Equal(t, "a@x.com", out.User.Email)
	assert.Equal(t, auth.RootParentID, out.User.ParentID)
	assert.Equal(t, "en", out.User.Lang)
	assert.Equal(t, auth.ProviderOIDC, out.User.AuthProvider)
	assert.NotEmpty(t, out.User.PasswordHash)

	users, err := h.users.List(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	p, err := h.plugin.TakePending(ctx, h.request(oidc.CallbackParameters{}))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, PluginTag, p.PluginTag)
	assert.Equal(t, "alice", p.Username)

	again, err := h.plugin.TakePending(ctx, h.request(oidc.CallbackParameters{}))
	require.NoError(t, err)
	assert.Nil(t, again, "pending identity is consumed once")

	events, _, err := h.audit.List(ctx, audit.ListOptions{Action: audit.ActionProvision})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRun_RepeatLoginReusesUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, completeConfig())

	first := h.plugin.OnLoginAttempt(ctx, h.request(callback()))
	require.Equal(t, StateAuthenticated, first.State)

	// Fresh claims must not overwrite the stored account.
	h.client.claims[oidc.ClaimGivenName] = "Alicia"
	h.client.claims[oidc.ClaimEmail] = "new@x.com"

	second := h.plugin.OnLoginAttempt(ctx, h.request(callback()))
	require.Equal(t, StateAuthenticated, second.State)

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, "Alice Lee", second.User.FullName)
	assert.Equal(t, "a@x.com", second.User.Email)

	users, err := h.users.List(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestRun_ProviderFailureContained(t *testing.T) {
	cases := map[string]func(c *fakeClient){
		"error":             func(c *fakeClient) { c.err = errors.New("token endpoint returned 500") },
		"panic":             func(c *fakeClient) { c.panics = "boom" },
		"not authenticated": func(c *fakeClient) { c.step = oidc.Step{} },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, completeConfig())
			setup(h.client)

			var out Outcome
			require.NotPanics(t, func() {
				out = h.plugin.OnLoginAttempt(ctx, h.request(callback()))
			})

			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, FailureProviderError, out.Failure)
			assert.ErrorIs(t, out.Err, ErrProviderFailure)

			users, err := h.users.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, users)

			p, err := h.pending.Take(ctx, "browser-session-1")
			require.NoError(t, err)
			assert.Nil(t, p)
		})
	}
}

func TestRun_MissingUsernameIsUserCreationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, completeConfig())
	delete(h.client.claims, oidc.ClaimPreferredUsername)

	out := h.plugin.OnLoginAttempt(ctx, h.request(callback()))

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, FailureUserCreation, out.Failure)
	assert.ErrorIs(t, out.Err, ErrMissingUsername)
	require.NotNil(t, out.Notification)
	assert.Equal(t, "New user couldn't be created.", out.Notification.Message)

	users, err := h.users.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

type failingCreateStore struct {
	*auth.MemoryUserStore
}

func (failingCreateStore) Create(context.Context, *auth.User) error {
	return errors.New("disk full")
}

func TestRun_PersistenceFailureIsUserCreation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, completeConfig())
	users := failingCreateStore{auth.NewMemoryUserStore()}
	h.orch.resolver = NewResolver(users)

	out := h.plugin.OnLoginAttempt(ctx, h.request(callback()))

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, FailureUserCreation, out.Failure)
	var uce *UserCreationError
	require.ErrorAs(t, out.Err, &uce)
	assert.Equal(t, "alice", uce.Username)

	p, err := h.pending.Take(ctx, "browser-session-1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRun_NoSessionCannotHoldPendingIdentity(t *testing.T) {
	h := newHarness(t, completeConfig())
	rc := h.request(callback())
	rc.SessionKey = ""

	out := h.plugin.OnLoginAttempt(context.Background(), rc)

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, FailureUserCreation, out.Failure)
	assert.ErrorIs(t, out.Err, ErrNoSession)
}

func TestRun_LocalizedNotification(t *testing.T) {
	h := newHarness(t, oidc.Configuration{})
	rc := h.request(oidc.CallbackParameters{})
	rc.Lang = "de"

	out := h.plugin.OnLoginAttempt(context.Background(), rc)

	require.NotNil(t, out.Notification)
	en := NewReporter(nil).Report(FailureConfigMissing, "en")
	assert.NotEqual(t, en.Message, out.Notification.Message)
	assert.Equal(t, LevelError, out.Notification.Level)
}

func TestOnIdentityResolutionRequested_ForeignTagPassesThrough(t *testing.T) {
	h := newHarness(t, completeConfig())
	lookups := &countingStore{MemoryUserStore: h.users}
	h.plugin.binder = NewBinder(lookups, nil)

	res := h.plugin.OnIdentityResolutionRequested(context.Background(), h.request(oidc.CallbackParameters{}), "SomeOtherPlugin", "alice")

	assert.Equal(t, BindPassthrough, res.Status)
	assert.Nil(t, res.User)
	assert.Nil(t, res.Notification)
	assert.Zero(t, lookups.lookups.Load())
	assert.Empty(t, h.notes)
}

func TestOnIdentityResolutionRequested_UnknownUser(t *testing.T) {
	h := newHarness(t, completeConfig())

	var res BindResult
	require.NotPanics(t, func() {
		res = h.plugin.OnIdentityResolutionRequested(context.Background(), h.request(oidc.CallbackParameters{}), PluginTag, "ghost")
	})

	assert.Equal(t, BindFailed, res.Status)
	assert.Equal(t, FailureUnknownIdentity, res.Failure)
	require.NotNil(t, res.Notification)
	assert.Equal(t, "User not found.", res.Notification.Message)
	require.Len(t, h.notes, 1)
}

func TestOnIdentityResolutionRequested_BindsKnownUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, completeConfig())
	out := h.plugin.OnLoginAttempt(ctx, h.request(callback()))
	require.Equal(t, StateAuthenticated, out.State)

	res := h.plugin.OnIdentityResolutionRequested(ctx, h.request(oidc.CallbackParameters{}), PluginTag, "alice")

	require.Equal(t, BindSuccess, res.Status)
	assert.Equal(t, out.User.ID, res.User.ID)

	stored, err := h.users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestOnActivate_StoresRedirectURL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, completeConfig())
	rc := h.request(oidc.CallbackParameters{})
	rc.Host = "wiki.example.org:8443"

	require.NoError(t, h.plugin.OnActivate(ctx, rc))

	cfg, err := h.settings.GetOIDCSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://wiki.example.org:8443/login", cfg.RedirectURL)
	assert.Equal(t, "secret", cfg.ClientSecret)

	rc.Host = ""
	assert.Error(t, h.plugin.OnActivate(ctx, rc))
}

func TestOnLogout_RedirectsToRoot(t *testing.T) {
	h := newHarness(t, completeConfig())
	assert.Equal(t, "/", h.plugin.OnLogout(context.Background(), h.request(oidc.CallbackParameters{})))
}

type countingStore struct {
	*auth.MemoryUserStore
	lookups atomic.Int32
}

func (s *countingStore) GetByUsername(ctx context.Context, name string) (*auth.User, error) {
	s.lookups.Add(1)
	return s.MemoryUserStore.GetByUsername(ctx, name)
}

func TestRun_ConcurrentFirstLogins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, completeConfig())

	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc := h.request(callback())
			rc.SessionKey = fmt.Sprintf("session-%d", i)
			rc.Notify = nil
			out := h.orch.Run(ctx, rc)
			if out.User != nil {
				ids[i] = out.User.ID
			}
		}()
	}
	wg.Wait()

	users, err := h.users.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	for i, id := range ids {
		assert.Equal(t, users[0].ID, id, "login %d", i)
	}
}
