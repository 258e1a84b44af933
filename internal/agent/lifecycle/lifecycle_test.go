package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plankcoach/plankagent/internal/agent/cache"
	"github.com/plankcoach/plankagent/internal/agent/clients"
)

type fakePrecacher struct {
	entries map[string]cache.Entry
	errs    map[string]error
}

func (f *fakePrecacher) FetchPath(_ context.Context, path string) (cache.Entry, error) {
	if err, ok := f.errs[path]; ok {
		return cache.Entry{}, err
	}
	if entry, ok := f.entries[path]; ok {
		return entry, nil
	}
	return cache.Entry{Status: http.StatusOK, Body: []byte(path), StoredAt: time.Now()}, nil
}

type fakeRegistry struct {
	claimed []string
}

func (r *fakeRegistry) List(context.Context) []clients.Client    { return nil }
func (r *fakeRegistry) OpenWindow(context.Context, string) error { return nil }

func (r *fakeRegistry) Claim(_ context.Context, generation string) error {
	r.claimed = append(r.claimed, generation)
	return nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

var manifest = []string{"/", "/index.html", "/offline.html"}

func TestInstallPrecachesManifest(t *testing.T) {
	store := cache.NewMemory()
	m := NewManager(testLogger(t), nil, store, "plank-coach-v2", manifest, &fakePrecacher{}, nil)

	require.NoError(t, m.Install(context.Background()))
	require.Equal(t, StateInstalled, m.State())

	for _, path := range manifest {
		key := cache.Key{Method: http.MethodGet, URL: path}
		entry, ok, err := store.Match(context.Background(), "plank-coach-v2", key)
		require.NoError(t, err)
		require.True(t, ok, "manifest resource %s missing from cache", path)
		require.Equal(t, path, string(entry.Body))
	}
}

func TestInstallFailureIsFatal(t *testing.T) {
	store := cache.NewMemory()
	fetcher := &fakePrecacher{errs: map[string]error{"/index.html": errors.New("origin down")}}
	m := NewManager(testLogger(t), nil, store, "plank-coach-v2", manifest, fetcher, nil)

	err := m.Install(context.Background())
	require.Error(t, err)
	require.NotEqual(t, StateInstalled, m.State())
}

func TestInstallRejectsNonSuccessStatus(t *testing.T) {
	store := cache.NewMemory()
	fetcher := &fakePrecacher{entries: map[string]cache.Entry{
		"/offline.html": {Status: http.StatusNotFound, Body: []byte("gone")},
	}}
	m := NewManager(testLogger(t), nil, store, "plank-coach-v2", manifest, fetcher, nil)

	require.Error(t, m.Install(context.Background()))
}

func TestActivateEvictsAllStaleGenerations(t *testing.T) {
	store := cache.NewMemory()
	ctx := context.Background()

	key := cache.Key{Method: http.MethodGet, URL: "/"}
	for _, generation := range []string{"plank-coach-v1", "plank-coach-v1.5", "plank-coach-v2"} {
		require.NoError(t, store.Put(ctx, generation, key, cache.Entry{Status: http.StatusOK, Body: []byte("x")}))
	}

	registry := &fakeRegistry{}
	m := NewManager(testLogger(t), nil, store, "plank-coach-v2", manifest, &fakePrecacher{}, registry)
	require.NoError(t, m.Activate(ctx))
	require.Equal(t, StateActivated, m.State())

	generations, err := store.ListGenerations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"plank-coach-v2"}, generations)
	require.Equal(t, []string{"plank-coach-v2"}, registry.claimed)
}

func TestStartupRunsInstallThenActivate(t *testing.T) {
	store := cache.NewMemory()
	ctx := context.Background()

	stale := cache.Key{Method: http.MethodGet, URL: "/old"}
	require.NoError(t, store.Put(ctx, "plank-coach-v1", stale, cache.Entry{Status: http.StatusOK, Body: []byte("old")}))

	registry := &fakeRegistry{}
	m := NewManager(testLogger(t), nil, store, "plank-coach-v2", manifest, &fakePrecacher{}, registry)
	require.NoError(t, m.Startup(ctx))
	require.Equal(t, StateActivated, m.State())

	generations, err := store.ListGenerations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"plank-coach-v2"}, generations)
}

func TestStartupAbortsBeforeActivateOnInstallFailure(t *testing.T) {
	store := cache.NewMemory()
	ctx := context.Background()

	stale := cache.Key{Method: http.MethodGet, URL: "/old"}
	require.NoError(t, store.Put(ctx, "plank-coach-v1", stale, cache.Entry{Status: http.StatusOK, Body: []byte("old")}))

	fetcher := &fakePrecacher{errs: map[string]error{"/": errors.New("origin down")}}
	registry := &fakeRegistry{}
	m := NewManager(testLogger(t), nil, store, "plank-coach-v2", manifest, fetcher, registry)

	require.Error(t, m.Startup(ctx))
	require.Empty(t, registry.claimed)

	// The stale generation survives: eviction happens only at activation.
	generations, err := store.ListGenerations(ctx)
	require.NoError(t, err)
	require.Contains(t, generations, "plank-coach-v1")
}
