package token_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chinmina/wechat-bridge/internal/cache"
	"github.com/chinmina/wechat-bridge/internal/config"
	"github.com/chinmina/wechat-bridge/internal/platform"
	"github.com/chinmina/wechat-bridge/internal/registry"
	"github.com/chinmina/wechat-bridge/internal/testhelpers"
	"github.com/chinmina/wechat-bridge/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenPath = "/cgi-bin/token"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	server   *testhelpers.MockPlatformServer
	registry *registry.Registry
	cache    *cache.Loading[string]
	clock    *fakeClock
	provider *token.Provider
}

func setup(t *testing.T, opts ...token.Option) *fixture {
	t.Helper()
	testhelpers.SetupLogger(t)

	server := testhelpers.SetupMockPlatformServer(t)
	clock := &fakeClock{now: time.Now()}

	backend, err := cache.NewMemory[cache.Entry[string]](time.Hour, 100)
	require.NoError(t, err)
	tokens := cache.NewLoading[string](backend, cache.WithClock(clock))

	reg := registry.New(registry.WithEvictor(tokens))

	client, err := platform.NewClient(config.PlatformConfig{APIURL: server.URL(), RequestTimeoutSeconds: 5}, nil)
	require.NoError(t, err)

	opts = append([]token.Option{token.WithClock(clock)}, opts...)

	return &fixture{
		server:   server,
		registry: reg,
		cache:    tokens,
		clock:    clock,
		provider: token.New(reg, client, tokens, opts...),
	}
}

func selfManaged(id, secret string) registry.Config {
	return registry.MPConfig{App: registry.App{ID: id, TokenSource: registry.SelfManaged{Secret: secret}}}
}

func TestGetAccessToken_CachesUntilExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.server.SetSecret("A1", "S1")

	_, err := f.provider.Register(ctx, selfManaged("A1", "S1"))
	require.NoError(t, err)

	tok, err := f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)

	f.clock.Advance(7197 * time.Second)

	tok, err = f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)
	assert.Equal(t, 1, f.server.Count(tokenPath))

	// expires_in 7200 less the 2s margin
	f.clock.Advance(time.Second)

	tok, err = f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "tok2", tok)
	assert.Equal(t, 2, f.server.Count(tokenPath))
}

func TestGetAccessToken_ConcurrentCallersShareOneFetch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], _ = f.provider.GetAccessToken(ctx, "A1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.server.Count(tokenPath))
	for _, tok := range tokens {
		assert.Equal(t, "tok1", tok)
	}
}

func TestGetAccessToken_DelegatedBypassesCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := f.provider.Register(ctx, registry.MiniProgramConfig{App: registry.App{
		ID: "D1",
		TokenSource: registry.Delegated{Factory: func(ctx context.Context, appID string) (string, error) {
			calls.Add(1)
			return "delegated-" + appID, nil
		}},
	}})
	require.NoError(t, err)

	for range 3 {
		tok, err := f.provider.GetAccessToken(ctx, "D1")
		require.NoError(t, err)
		assert.Equal(t, "delegated-D1", tok)
	}

	assert.EqualValues(t, 3, calls.Load())
	assert.Zero(t, f.server.Count(tokenPath))

	_, cached := f.cache.Peek(ctx, "D1")
	assert.False(t, cached)
}

func TestGetAccessToken_DelegatedFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	boom := errors.New("peer down")
	_, _ = f.provider.Register(ctx, registry.MiniProgramConfig{App: registry.App{
		ID: "D1",
		TokenSource: registry.Delegated{Factory: func(ctx context.Context, appID string) (string, error) {
			return "", boom
		}},
	}})

	_, err := f.provider.GetAccessToken(ctx, "D1")

	var acqErr token.AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.ErrorIs(t, err, boom)
}

func TestGetAccessToken_ConfigurationErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.provider.GetAccessToken(ctx, "unknown")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = f.provider.Register(ctx, registry.MiniProgramConfig{App: registry.App{ID: "no-source"}})
	require.NoError(t, err, "apps without a token source are admitted")

	_, err = f.provider.GetAccessToken(ctx, "no-source")
	var cfgErr registry.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "no-source", cfgErr.AppID)
	assert.NotErrorIs(t, err, registry.ErrNotFound)
}

func TestGetAccessToken_AcquisitionFailureIsNotCached(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))

	f.server.FailTokens(40013, "invalid appid")

	_, err := f.provider.GetAccessToken(ctx, "A1")

	var acqErr token.AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	var apiErr platform.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40013, apiErr.Code)

	status, msg := acqErr.Status()
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, msg, "40013")

	f.server.FailTokens(0, "")

	tok, err := f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)
	assert.Equal(t, 2, f.server.Count(tokenPath))
}

func TestGetAccessToken_WrongSecret(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.server.SetSecret("A1", "right")
	_, _ = f.provider.Register(ctx, selfManaged("A1", "wrong"))

	_, err := f.provider.GetAccessToken(ctx, "A1")

	var apiErr platform.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40125, apiErr.Code)
	assert.NotContains(t, err.Error(), "wrong")
}

func TestRefreshAccessToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))

	var notified []string
	f.provider.Subscribe(func(ctx context.Context, n token.RefreshNotification) {
		notified = append(notified, n.AppID)
	})

	tok, err := f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)

	require.NoError(t, f.provider.RefreshAccessToken(ctx, "A1"))

	assert.Equal(t, []string{"A1"}, notified)
	assert.Equal(t, 1, f.server.Count(tokenPath), "refresh does not fetch by itself")

	tok, err = f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "tok2", tok)
}

func TestRefreshAccessToken_UnknownApp(t *testing.T) {
	f := setup(t)

	err := f.provider.RefreshAccessToken(context.Background(), "nope")

	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRefreshAccessToken_SubscriberPanicIsContained(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))

	var second bool
	f.provider.Subscribe(func(ctx context.Context, n token.RefreshNotification) {
		panic("subscriber bug")
	})
	f.provider.Subscribe(func(ctx context.Context, n token.RefreshNotification) {
		second = true
	})

	require.NoError(t, f.provider.RefreshAccessToken(ctx, "A1"))
	assert.True(t, second)
}

func TestInvalidateAccessToken_DoesNotNotify(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))

	notified := false
	f.provider.Subscribe(func(ctx context.Context, n token.RefreshNotification) {
		notified = true
	})

	_, _ = f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, f.provider.InvalidateAccessToken(ctx, "A1"))
	require.NoError(t, f.provider.InvalidateAccessToken(ctx, "A1"))

	assert.False(t, notified)
	_, cached := f.cache.Peek(ctx, "A1")
	assert.False(t, cached)
}

func TestCheckAccessToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))

	ok, err := f.provider.CheckAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, ok, "nothing cached is reported as healthy")
	assert.Zero(t, f.server.Count("/cgi-bin/get_api_domain_ip"))

	_, err = f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, err)

	ok, err = f.provider.CheckAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, ok)

	f.server.Revoke("tok1")

	ok, err = f.provider.CheckAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckAccessToken_OtherErrorsPropagate(t *testing.T) {
	f := setup(t, token.WithStaleCodes([]int{42001}))
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))
	_, _ = f.provider.GetAccessToken(ctx, "A1")

	// the mock rejects with 40001, which this provider does not treat as stale
	f.server.Revoke("tok1")

	ok, err := f.provider.CheckAccessToken(ctx, "A1")

	assert.False(t, ok)
	var apiErr platform.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40001, apiErr.Code)
}

func TestGetAllTokens(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, _ = f.provider.Register(ctx, selfManaged("cached", "s"))
	_, _ = f.provider.Register(ctx, selfManaged("cold", "s"))
	_, _ = f.provider.Register(ctx, registry.MiniProgramConfig{App: registry.App{
		ID: "delegated",
		TokenSource: registry.Delegated{Factory: func(ctx context.Context, appID string) (string, error) {
			return "x", nil
		}},
	}})

	_, err := f.provider.GetAccessToken(ctx, "cached")
	require.NoError(t, err)

	all := f.provider.GetAllTokens(ctx)

	assert.Equal(t, []token.AppToken{
		{AppID: "cached", AccessToken: "tok1"},
		{AppID: "cold", AccessToken: ""},
	}, all)
	assert.Equal(t, 1, f.server.Count(tokenPath), "snapshots never fetch")
}

func TestRemove(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))
	_, _ = f.provider.GetAccessToken(ctx, "A1")

	var notified []string
	f.provider.Subscribe(func(ctx context.Context, n token.RefreshNotification) {
		notified = append(notified, n.AppID)
	})

	assert.Equal(t, 1, f.provider.Remove(ctx, "A1"))
	assert.Equal(t, 0, f.provider.Remove(ctx, "A1"))

	assert.False(t, f.provider.Exists("A1"))
	assert.Equal(t, []string{"A1"}, notified)

	_, cached := f.cache.Peek(ctx, "A1")
	assert.False(t, cached)

	_, err := f.provider.GetAccessToken(ctx, "A1")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegister_ClearsLeftoverToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.cache.GetOrCreate(ctx, "A1", func(ctx context.Context, key string) (string, time.Duration, error) {
		return "leftover", time.Hour, nil
	})
	require.NoError(t, err)

	added, err := f.provider.Register(ctx, selfManaged("A1", "S1"))
	require.NoError(t, err)
	assert.True(t, added)

	tok, err := f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)
}

func TestRegister_Duplicate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	added, err := f.provider.Register(ctx, selfManaged("A1", "S1"))
	require.NoError(t, err)
	assert.True(t, added)

	_, _ = f.provider.GetAccessToken(ctx, "A1")

	added, err = f.provider.Register(ctx, selfManaged("A1", "S2"))
	require.NoError(t, err)
	assert.False(t, added)

	_, cached := f.cache.Peek(ctx, "A1")
	assert.True(t, cached, "a rejected duplicate leaves the cache alone")
}

func TestFailureBreaker(t *testing.T) {
	f := setup(t, token.WithFailureBreaker(2, 30*time.Second))
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))

	f.server.FailTokens(-1, "system busy")

	for range 2 {
		_, err := f.provider.GetAccessToken(ctx, "A1")
		require.Error(t, err)
	}
	assert.Equal(t, 2, f.server.Count(tokenPath))

	_, err := f.provider.GetAccessToken(ctx, "A1")
	assert.ErrorIs(t, err, token.ErrCircuitOpen)
	assert.Equal(t, 2, f.server.Count(tokenPath), "open breaker does not call the platform")

	var acqErr token.AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	status, _ := acqErr.Status()
	assert.Equal(t, http.StatusServiceUnavailable, status)

	f.server.FailTokens(0, "")
	f.clock.Advance(31 * time.Second)

	tok, err := f.provider.GetAccessToken(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)
}

func TestFailureBreaker_DisabledByDefault(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _ = f.provider.Register(ctx, selfManaged("A1", "S1"))

	f.server.FailTokens(-1, "system busy")

	for range 5 {
		_, err := f.provider.GetAccessToken(ctx, "A1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, token.ErrCircuitOpen)
	}
	assert.Equal(t, 5, f.server.Count(tokenPath))
}
