package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/plankcoach/plankagent/internal/agent"
	"github.com/plankcoach/plankagent/internal/agent/bridge"
	"github.com/plankcoach/plankagent/internal/agent/cache"
	"github.com/plankcoach/plankagent/internal/agent/clients"
	"github.com/plankcoach/plankagent/internal/agent/lifecycle"
	"github.com/plankcoach/plankagent/internal/agent/notify"
	"github.com/plankcoach/plankagent/internal/agent/offline"
	"github.com/plankcoach/plankagent/internal/agent/policy"
	"github.com/plankcoach/plankagent/internal/agent/push"
	"github.com/plankcoach/plankagent/internal/agent/upstream"
	"github.com/plankcoach/plankagent/internal/config"
	"github.com/plankcoach/plankagent/internal/metrics"
	"github.com/plankcoach/plankagent/internal/server"
)

// buildAgentStack assembles the full runtime against a test origin, the way
// main does.
func buildAgentStack(t *testing.T, originURL string) (*agent.Agent, http.Handler) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.Upstream.Origin = originURL

	logger := testLogger(t)
	store := cache.NewMemory()
	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	origin, err := upstream.New(cfg.Server.Upstream)
	require.NoError(t, err)
	classifier, err := policy.NewClassifier(logger, cfg.Server.Policy, nil)
	require.NoError(t, err)

	hub := clients.NewHub(logger, nil)
	pageBridge := bridge.New(hub, logger, recorder)
	generation := cache.Open(store, cfg.Server.Cache.Generation)
	dispatcher := policy.NewDispatcher(logger, recorder, classifier, generation, origin, cfg.Server.Precache.OfflinePath)

	app := agent.New(agent.Options{
		Logger:     logger,
		Dispatcher: dispatcher,
		Renderer:   push.NewRenderer(agent.HubDisplayer{Hub: hub}, logger, recorder),
		Router:     notify.NewRouter(logger, recorder, pageBridge, hub),
		Syncer:     offline.NewSyncer(logger, recorder, pageBridge),
		Lifecycle:  lifecycle.NewManager(logger, recorder, store, cfg.Server.Cache.Generation, cfg.Server.Precache.Manifest, origin, hub),
		Bridge:     pageBridge,
		Hub:        hub,
		Generation: generation,
	})

	handler := server.NewHandler(logger, app, hub, disabledReconciler{}, recorder.Handler())
	return app, handler
}

func TestAgentServesCachedContentThroughOutage(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/v1/exercises":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"name":"forearm plank","duration":60}]`))
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("page:" + r.URL.Path))
		}
	}))

	app, handler := buildAgentStack(t, origin.URL)
	require.NoError(t, app.Startup(context.Background()))

	srv := httptest.NewServer(handler)
	defer srv.Close()
	e := httpexpect.Default(t, srv.URL)

	e.GET("/healthz").Expect().Status(http.StatusOK).
		JSON().Object().HasValue("state", "activated")

	// First catalog read flows to the origin and is stored.
	e.GET("/rest/v1/exercises").Expect().Status(http.StatusOK).
		Body().Contains("forearm plank")

	origin.Close()

	// The origin is gone: the catalog comes from cache, and navigation
	// falls back to the precached offline page.
	e.GET("/rest/v1/exercises").Expect().Status(http.StatusOK).
		Body().Contains("forearm plank")

	e.GET("/").WithHeader("Accept", "text/html").
		Expect().Status(http.StatusOK).
		Body().Contains("page:/offline.html")

	// Arbitrary API endpoints were never stored, so the outage surfaces.
	e.GET("/rest/v1/workout_sessions").Expect().Status(http.StatusBadGateway)
}

func TestAgentStartupFailsWithoutOrigin(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close()

	app, _ := buildAgentStack(t, origin.URL)
	require.Error(t, app.Startup(context.Background()), "precache failure must abort installation")
}

func TestPushEndpointEndToEnd(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	app, handler := buildAgentStack(t, origin.URL)
	require.NoError(t, app.Startup(context.Background()))

	srv := httptest.NewServer(handler)
	defer srv.Close()
	e := httpexpect.Default(t, srv.URL)

	// Malformed payload still renders the default notification.
	obj := e.POST("/push").WithBytes([]byte("not-json-at-all")).
		Expect().Status(http.StatusAccepted).JSON().Object()
	obj.HasValue("title", "Plank Coach")
	obj.HasValue("body", "Time for your workout!")

	// A streak push carries the urgent vibration pattern and curated
	// actions.
	obj = e.POST("/push").WithBytes([]byte(`{"title":"Streak!","body":"5 days","data":{"category":"streak"}}`)).
		Expect().Status(http.StatusAccepted).JSON().Object()
	obj.HasValue("title", "Streak!")
	obj.Value("vibrate").Array().IsEqual([]int{150, 100, 150, 100, 150})
	obj.Value("actions").Array().Length().IsEqual(2)
}
