package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

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
	"github.com/plankcoach/plankagent/internal/logging"
	"github.com/plankcoach/plankagent/internal/metrics"
	"github.com/plankcoach/plankagent/internal/reconcile"
	"github.com/plankcoach/plankagent/internal/server"
	"github.com/plankcoach/plankagent/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to agent configuration file")
		envPrefix  = flag.String("env-prefix", "PLANKAGENT", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store := buildStore(logger.With(slog.String("component", "cache_factory")), cfg.Server.Cache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	origin, err := upstream.New(cfg.Server.Upstream)
	if err != nil {
		logger.Error("upstream setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	classifier, err := policy.NewClassifier(logger, cfg.Server.Policy, cfg.PolicyRules)
	if err != nil {
		logger.Error("policy setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	hub := clients.NewHub(logger, cfg.Server.Bridge.AllowedOrigins)
	pageBridge := bridge.New(hub, logger, recorder)

	generation := cache.Open(store, cfg.Server.Cache.Generation)
	dispatcher := policy.NewDispatcher(logger, recorder, classifier, generation, origin, cfg.Server.Precache.OfflinePath)
	renderer := push.NewRenderer(agent.HubDisplayer{Hub: hub}, logger, recorder)
	router := notify.NewRouter(logger, recorder, pageBridge, hub)
	syncer := offline.NewSyncer(logger, recorder, pageBridge)
	manager := lifecycle.NewManager(logger, recorder, store, cfg.Server.Cache.Generation, cfg.Server.Precache.Manifest, origin, hub)

	app := agent.New(agent.Options{
		Logger:      logger,
		Dispatcher:  dispatcher,
		Renderer:    renderer,
		Router:      router,
		Syncer:      syncer,
		Lifecycle:   manager,
		Bridge:      pageBridge,
		Hub:         hub,
		Generation:  generation,
		OfflinePage: renderOfflinePage(logger, cfg.Server.Templates),
		OfflinePath: cfg.Server.Precache.OfflinePath,
	})

	if err := app.Startup(ctx); err != nil {
		logger.Error("agent startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	var reconcileHTTP server.ReconcileHTTP = disabledReconciler{}
	if cfg.Server.Reconcile.APIBase != "" {
		rowStore, err := reconcile.NewHTTPStore(cfg.Server.Reconcile)
		if err != nil {
			logger.Error("reconcile store setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		reconciler := reconcile.New(logger, recorder, reconcile.NewPageManager(pageBridge), rowStore)
		reconcileHTTP = reconciler

		if cfg.Server.Reconcile.Enabled {
			interval := time.Duration(cfg.Server.Reconcile.IntervalSeconds) * time.Second
			runner := reconcile.NewRunner(logger, reconciler, pageBridge, interval)
			go runner.Run(ctx)
		}
	} else {
		logger.Info("subscription reconciliation disabled, no apiBase configured")
	}

	if cfg.Server.Policy.RulesFile != "" {
		watcher, err := loader.WatchPolicy(ctx, cfg, func(rules []config.PolicyRuleConfig) {
			if err := classifier.SetRules(rules); err != nil {
				logger.Error("policy reload rejected", slog.Any("error", err))
				return
			}
			logger.Info("policy rules reloaded", slog.Int("rules", len(rules)))
		}, func(err error) {
			if err != nil {
				logger.Error("policy watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("policy watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewHandler(logger, app, hub, reconcileHTTP, recorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}

// disabledReconciler answers /reconcile when no subscription API base is
// configured.
type disabledReconciler struct{}

func (disabledReconciler) Reconcile(context.Context, reconcile.Credentials) (reconcile.Status, bool, error) {
	return reconcile.Status{}, false, fmt.Errorf("subscription reconciliation is not configured")
}

func buildStore(logger *slog.Logger, cfg config.CacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache store")
		return cache.NewMemory()
	case "redis":
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory()
		}
		logger.Info("using redis cache store", slog.String("address", cfg.Redis.Address))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory()
	}
}

// renderOfflinePage renders the configured offline fallback template. Any
// failure falls back to the origin-served offline page from the precache
// manifest.
func renderOfflinePage(logger *slog.Logger, cfg config.TemplatesConfig) []byte {
	folder := strings.TrimSpace(cfg.TemplatesFolder)
	if folder == "" || cfg.OfflineTemplate == "" {
		return nil
	}

	sandbox, err := templates.NewSandbox(folder, cfg.AllowEnv, cfg.AllowedEnv)
	if err != nil {
		logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		return nil
	}
	tmpl, err := templates.NewRenderer(sandbox).CompileFile(cfg.OfflineTemplate)
	if err != nil {
		logger.Warn("offline template compile failed", slog.Any("error", err))
		return nil
	}
	page, err := tmpl.Render(map[string]any{
		"AppName":     "Plank Coach",
		"GeneratedAt": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		logger.Warn("offline template render failed", slog.Any("error", err))
		return nil
	}
	return []byte(page)
}
