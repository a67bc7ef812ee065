package registry_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/chinmina/wechat-bridge/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEvictor struct {
	mu      sync.Mutex
	evicted []string
	err     error
}

func (e *recordingEvictor) Evict(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, key)
	return e.err
}

func selfManaged(id string) registry.MPConfig {
	return registry.MPConfig{App: registry.App{ID: id, TokenSource: registry.SelfManaged{Secret: "S-" + id}}}
}

func delegated(id string) registry.MiniProgramConfig {
	return registry.MiniProgramConfig{App: registry.App{
		ID: id,
		TokenSource: registry.Delegated{Factory: func(ctx context.Context, appID string) (string, error) {
			return "delegated-" + appID, nil
		}},
	}}
}

func TestAdd(t *testing.T) {
	r := registry.New()

	added, err := r.Add(selfManaged("A1"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Add(delegated("A1"))
	require.NoError(t, err)
	assert.False(t, added, "duplicate app ID must be rejected")

	cfg, err := r.Get("A1")
	require.NoError(t, err)
	assert.IsType(t, registry.MPConfig{}, cfg, "first registration is kept")
}

func TestAdd_Validation(t *testing.T) {
	cases := []struct {
		name    string
		cfg     registry.Config
		wantErr string
	}{
		{
			name:    "nil",
			cfg:     nil,
			wantErr: "nil",
		},
		{
			name:    "missing id",
			cfg:     registry.MiniProgramConfig{App: registry.App{TokenSource: registry.SelfManaged{Secret: "s"}}},
			wantErr: "app ID is required",
		},
		{
			name:    "self managed without secret",
			cfg:     registry.MiniProgramConfig{App: registry.App{ID: "a", TokenSource: registry.SelfManaged{}}},
			wantErr: "secret is required",
		},
		{
			name:    "delegated without factory",
			cfg:     registry.OpenPlatformConfig{App: registry.App{ID: "a", TokenSource: registry.Delegated{}}},
			wantErr: "factory is required",
		},
		{
			name: "short encoding key",
			cfg: registry.MPConfig{
				App:            registry.App{ID: "a", TokenSource: registry.SelfManaged{Secret: "s"}},
				EncodingAESKey: "too-short",
			},
			wantErr: "43 characters",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := registry.New()

			added, err := r.Add(tc.cfg)

			assert.False(t, added)
			var cfgErr registry.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestAdd_MissingSourceIsAdmitted(t *testing.T) {
	r := registry.New()

	added, err := r.Add(registry.MiniProgramConfig{App: registry.App{ID: "no-source"}})

	require.NoError(t, err)
	assert.True(t, added)
}

func TestAdd_ValidEncodingKey(t *testing.T) {
	r := registry.New()

	cfg := selfManaged("mp")
	cfg.EncodingAESKey = strings.Repeat("k", 43)

	added, err := r.Add(cfg)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestGet_NotFound(t *testing.T) {
	r := registry.New()

	_, err := r.Get("missing")

	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	var cfgErr registry.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	status, msg := cfgErr.Status()
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "app not found", msg)
	assert.False(t, r.Exists("missing"))
}

func TestLookup(t *testing.T) {
	r := registry.New()
	_, _ = r.Add(selfManaged("mp"))
	_, _ = r.Add(delegated("mini"))

	mp, err := registry.Lookup[registry.MPConfig](r, "mp")
	require.NoError(t, err)
	assert.Equal(t, "mp", mp.AppID())

	_, err = registry.Lookup[registry.MPConfig](r, "mini")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = registry.Lookup[registry.MPConfig](r, "absent")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestFirst(t *testing.T) {
	r := registry.New()

	_, err := registry.First[registry.OpenPlatformConfig](r)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, _ = r.Add(selfManaged("mp-1"))
	_, _ = r.Add(delegated("mini"))
	_, _ = r.Add(selfManaged("mp-2"))

	mp, err := registry.First[registry.MPConfig](r)
	require.NoError(t, err)
	assert.Equal(t, "mp-1", mp.AppID(), "ambiguous lookups resolve to the earliest registration")

	all := registry.ListOf[registry.MPConfig](r)
	require.Len(t, all, 2)
	assert.Equal(t, "mp-2", all[1].AppID())
}

func TestRemove_EvictsSelfManaged(t *testing.T) {
	ev := &recordingEvictor{}
	r := registry.New(registry.WithEvictor(ev))
	ctx := context.Background()

	_, _ = r.Add(selfManaged("owned"))
	_, _ = r.Add(delegated("borrowed"))

	assert.Equal(t, 1, r.Remove(ctx, "owned"))
	assert.Equal(t, 1, r.Remove(ctx, "borrowed"))
	assert.Equal(t, 0, r.Remove(ctx, "owned"))

	assert.Equal(t, []string{"owned"}, ev.evicted)
	assert.Empty(t, r.List())
}

func TestRemove_EvictionFailureIsTolerated(t *testing.T) {
	ev := &recordingEvictor{err: errors.New("cache down")}
	r := registry.New(registry.WithEvictor(ev))

	_, _ = r.Add(selfManaged("owned"))

	assert.Equal(t, 1, r.Remove(context.Background(), "owned"))
	assert.False(t, r.Exists("owned"))
}

func TestList_IsSnapshot(t *testing.T) {
	r := registry.New()
	_, _ = r.Add(selfManaged("a"))

	list := r.List()
	_, _ = r.Add(selfManaged("b"))

	assert.Len(t, list, 1)
	assert.Len(t, r.List(), 2)
}

func TestIsSelfManaged(t *testing.T) {
	assert.True(t, registry.IsSelfManaged(selfManaged("a")))
	assert.False(t, registry.IsSelfManaged(delegated("b")))
	assert.False(t, registry.IsSelfManaged(registry.MiniProgramConfig{App: registry.App{ID: "c"}}))
}

func TestConcurrentAccess(t *testing.T) {
	r := registry.New(registry.WithEvictor(&recordingEvictor{}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i%5))
			_, _ = r.Add(selfManaged(id))
			_ = r.Exists(id)
			_ = registry.ListOf[registry.MPConfig](r)
			if i%7 == 0 {
				r.Remove(ctx, id)
			}
		}()
	}
	wg.Wait()
}
