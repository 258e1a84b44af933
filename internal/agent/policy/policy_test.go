package policy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plankcoach/plankagent/internal/agent/cache"
	"github.com/plankcoach/plankagent/internal/config"
	"github.com/plankcoach/plankagent/internal/metrics"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func testClassifier(t *testing.T, rules []config.PolicyRuleConfig) *Classifier {
	t.Helper()
	cfg := config.DefaultConfig().Server.Policy
	c, err := NewClassifier(testLogger(t), cfg, rules)
	require.NoError(t, err)
	return c
}

func getRequest(t *testing.T, path string, headers map[string]string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for name, value := range headers {
		r.Header.Set(name, value)
	}
	return r
}

func TestClassifyAuthGuard(t *testing.T) {
	c := testClassifier(t, nil)

	// Authorization header wins no matter where the request points.
	r := getRequest(t, "/rest/v1/exercises", map[string]string{"Authorization": "Bearer token"})
	decision := c.Classify(r)
	require.Equal(t, "auth-guard", decision.Rule)
	require.Equal(t, StrategyNetworkOnly, decision.Strategy)
	require.False(t, decision.Store)

	// So does an auth-scoped path without any header.
	decision = c.Classify(getRequest(t, "/auth/v1/token", nil))
	require.Equal(t, "auth-guard", decision.Rule)
	require.False(t, decision.Store)
}

func TestClassifyBuiltinChain(t *testing.T) {
	c := testClassifier(t, nil)

	cases := []struct {
		name     string
		path     string
		headers  map[string]string
		rule     string
		strategy Strategy
		store    bool
	}{
		{"navigation", "/", map[string]string{"Accept": "text/html,application/xhtml+xml"}, "navigation", StrategyNetworkOnly, false},
		{"navigation sec-fetch", "/workouts", map[string]string{"Sec-Fetch-Mode": "navigate"}, "navigation", StrategyNetworkOnly, false},
		{"catalog", "/rest/v1/exercises", nil, "catalog", StrategyNetworkFirst, true},
		{"storage object", "/storage/v1/object/public/icons/a.png", nil, "storage-object", StrategyCacheFirst, true},
		{"api read", "/rest/v1/workout_sessions", nil, "api-read", StrategyNetworkFirst, false},
		{"static asset", "/app.js", nil, "static-asset", StrategyCacheFirst, true},
		{"passthrough", "/something-else", nil, "default", StrategyPassthrough, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := c.Classify(getRequest(t, tc.path, tc.headers))
			require.Equal(t, tc.rule, decision.Rule)
			require.Equal(t, tc.strategy, decision.Strategy)
			require.Equal(t, tc.store, decision.Store)
		})
	}
}

func TestClassifyNavigationFallbackFlag(t *testing.T) {
	c := testClassifier(t, nil)
	decision := c.Classify(getRequest(t, "/", map[string]string{"Accept": "text/html"}))
	require.True(t, decision.OfflineFallback)
}

func TestCustomRuleMatchesBeforeBuiltins(t *testing.T) {
	c := testClassifier(t, []config.PolicyRuleConfig{
		{
			Name:         "fonts",
			PathPrefixes: []string{"/fonts/"},
			Strategy:     "stale-while-revalidate",
		},
	})

	decision := c.Classify(getRequest(t, "/fonts/inter.woff2", nil))
	require.Equal(t, "fonts", decision.Rule)
	require.Equal(t, StrategyStaleWhileRevalidate, decision.Strategy)
	require.True(t, decision.Store, "store defaults on for stale-while-revalidate")
}

func TestCustomRuleNeverOverridesAuthGuard(t *testing.T) {
	c := testClassifier(t, []config.PolicyRuleConfig{
		{
			Name:     "catch-all-cache",
			Strategy: "cache-first",
		},
	})

	r := getRequest(t, "/anything", map[string]string{"Authorization": "Bearer token"})
	decision := c.Classify(r)
	require.Equal(t, "auth-guard", decision.Rule)
	require.False(t, decision.Store)
}

func TestCustomRuleCELPredicate(t *testing.T) {
	c := testClassifier(t, []config.PolicyRuleConfig{
		{
			Name:     "json-only",
			When:     `request.headers["accept"] == "application/json"`,
			Strategy: "network-first",
		},
	})

	decision := c.Classify(getRequest(t, "/whatever", map[string]string{"Accept": "application/json"}))
	require.Equal(t, "json-only", decision.Rule)

	decision = c.Classify(getRequest(t, "/whatever", nil))
	require.Equal(t, "default", decision.Rule)
}

func TestSetRulesRejectsBadPredicateAndKeepsOldChain(t *testing.T) {
	c := testClassifier(t, []config.PolicyRuleConfig{
		{Name: "fonts", PathPrefixes: []string{"/fonts/"}, Strategy: "cache-first"},
	})

	err := c.SetRules([]config.PolicyRuleConfig{
		{Name: "broken", When: "request.path ==", Strategy: "cache-first"},
	})
	require.Error(t, err)

	decision := c.Classify(getRequest(t, "/fonts/inter.woff2", nil))
	require.Equal(t, "fonts", decision.Rule)
}

type fakeFetcher struct {
	mu      sync.Mutex
	entry   cache.Entry
	err     error
	fetched int
}

func (f *fakeFetcher) Fetch(context.Context, *http.Request) (cache.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	if f.err != nil {
		return cache.Entry{}, f.err
	}
	return f.entry, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched
}

func okEntry(body string) cache.Entry {
	return cache.Entry{Status: http.StatusOK, Headers: map[string]string{"Content-Type": "text/plain"}, Body: []byte(body), StoredAt: time.Now()}
}

func testDispatcher(t *testing.T, store cache.Store, fetcher Fetcher) *Dispatcher {
	t.Helper()
	classifier := testClassifier(t, nil)
	generation := cache.Open(store, "plank-coach-v2")
	return NewDispatcher(testLogger(t), nil, classifier, generation, fetcher, "/offline.html")
}

func TestAuthorizedRequestIsNeverStored(t *testing.T) {
	store := cache.NewMemory()
	fetcher := &fakeFetcher{entry: okEntry("secret")}
	d := testDispatcher(t, store, fetcher)

	r := getRequest(t, "/rest/v1/exercises", map[string]string{"Authorization": "Bearer token"})
	result, err := d.Handle(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, "secret", string(result.Entry.Body))

	_, ok, err := store.Match(context.Background(), "plank-coach-v2", cache.KeyFor(r))
	require.NoError(t, err)
	require.False(t, ok, "credential-bearing response must not be cached")
}

func TestCacheFirstStoresOnMissAndServesOnHit(t *testing.T) {
	store := cache.NewMemory()
	fetcher := &fakeFetcher{entry: okEntry("icon-bytes")}
	d := testDispatcher(t, store, fetcher)

	r := getRequest(t, "/icons/icon-192x192.png", nil)
	result, err := d.Handle(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, metrics.FetchNetwork, result.Outcome)
	require.Equal(t, 1, fetcher.calls())

	result, err = d.Handle(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, metrics.FetchCache, result.Outcome)
	require.Equal(t, "icon-bytes", string(result.Entry.Body))
	require.Equal(t, 1, fetcher.calls(), "hit must not touch the network")
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	store := cache.NewMemory()
	fetcher := &fakeFetcher{entry: okEntry("catalog")}
	d := testDispatcher(t, store, fetcher)

	r := getRequest(t, "/rest/v1/exercises", nil)
	_, err := d.Handle(context.Background(), r)
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.err = errors.New("network down")
	fetcher.mu.Unlock()

	result, err := d.Handle(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, metrics.FetchCache, result.Outcome)
	require.Equal(t, "catalog", string(result.Entry.Body))
}

func TestNetworkFirstWithoutStoreFailsCleanOnOutage(t *testing.T) {
	store := cache.NewMemory()
	fetcher := &fakeFetcher{entry: okEntry("rows")}
	d := testDispatcher(t, store, fetcher)

	// api-read matches network-first with store disabled.
	r := getRequest(t, "/rest/v1/workout_sessions", nil)
	_, err := d.Handle(context.Background(), r)
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.err = errors.New("network down")
	fetcher.mu.Unlock()

	_, err = d.Handle(context.Background(), r)
	require.Error(t, err, "nothing was stored, so the outage surfaces")
}

func TestNavigationFallsBackToOfflinePage(t *testing.T) {
	store := cache.NewMemory()
	offline := okEntry("<html>offline</html>")
	require.NoError(t, store.Put(context.Background(), "plank-coach-v2",
		cache.Key{Method: http.MethodGet, URL: "/offline.html"}, offline))

	fetcher := &fakeFetcher{err: errors.New("network down")}
	d := testDispatcher(t, store, fetcher)

	r := getRequest(t, "/", map[string]string{"Accept": "text/html"})
	result, err := d.Handle(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, metrics.FetchOffline, result.Outcome)
	require.Equal(t, "<html>offline</html>", string(result.Entry.Body))
}

func TestNonSuccessResponsesAreNotStored(t *testing.T) {
	store := cache.NewMemory()
	fetcher := &fakeFetcher{entry: cache.Entry{Status: http.StatusNotFound, Body: []byte("missing")}}
	d := testDispatcher(t, store, fetcher)

	r := getRequest(t, "/app.js", nil)
	_, err := d.Handle(context.Background(), r)
	require.NoError(t, err)

	_, ok, err := store.Match(context.Background(), "plank-coach-v2", cache.KeyFor(r))
	require.NoError(t, err)
	require.False(t, ok)
}
