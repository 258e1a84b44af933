package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/plankcoach/plankagent/internal/agent/cache"
	"github.com/plankcoach/plankagent/internal/metrics"
)

// Fetcher performs the upstream request and normalizes the response into a
// cache entry.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (cache.Entry, error)
}

// Dispatcher classifies each intercepted request and serves it with the
// matching strategy. Cache failures are downgraded to misses; the network
// decides the final outcome wherever the strategy allows.
type Dispatcher struct {
	logger     *slog.Logger
	metrics    *metrics.Recorder
	classifier *Classifier
	generation cache.Generation
	fetcher    Fetcher
	offlineKey cache.Key
}

func NewDispatcher(logger *slog.Logger, recorder *metrics.Recorder, classifier *Classifier, generation cache.Generation, fetcher Fetcher, offlinePath string) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:     logger.With(slog.String("component", "dispatch")),
		metrics:    recorder,
		classifier: classifier,
		generation: generation,
		fetcher:    fetcher,
		offlineKey: cache.Key{Method: http.MethodGet, URL: offlinePath},
	}
}

// Result is a served response plus where it came from.
type Result struct {
	Entry    cache.Entry
	Decision Decision
	Outcome  metrics.FetchOutcome
}

// Handle serves one intercepted request.
func (d *Dispatcher) Handle(ctx context.Context, r *http.Request) (Result, error) {
	decision := d.classifier.Classify(r)
	start := time.Now()

	entry, outcome, err := d.execute(ctx, decision, r)
	status := entry.Status
	if err != nil {
		outcome = metrics.FetchFailed
		status = 0
	}
	d.metrics.ObserveFetch(string(decision.Strategy), outcome, status, time.Since(start))
	d.logger.Debug("request served",
		slog.String("rule", decision.Rule),
		slog.String("strategy", string(decision.Strategy)),
		slog.String("outcome", string(outcome)),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
	)
	if err != nil {
		return Result{Decision: decision, Outcome: outcome}, err
	}
	return Result{Entry: entry, Decision: decision, Outcome: outcome}, nil
}

func (d *Dispatcher) execute(ctx context.Context, decision Decision, r *http.Request) (cache.Entry, metrics.FetchOutcome, error) {
	switch decision.Strategy {
	case StrategyCacheFirst:
		return d.cacheFirst(ctx, decision, r)
	case StrategyNetworkFirst:
		return d.networkFirst(ctx, decision, r)
	case StrategyStaleWhileRevalidate:
		return d.staleWhileRevalidate(ctx, decision, r)
	default:
		// network-only and passthrough differ only in the offline fallback.
		return d.networkOnly(ctx, decision, r)
	}
}

func (d *Dispatcher) networkOnly(ctx context.Context, decision Decision, r *http.Request) (cache.Entry, metrics.FetchOutcome, error) {
	entry, err := d.fetcher.Fetch(ctx, r)
	if err == nil {
		return entry, metrics.FetchNetwork, nil
	}
	if decision.OfflineFallback {
		if fallback, ok := d.matchKey(ctx, d.offlineKey); ok {
			return fallback, metrics.FetchOffline, nil
		}
	}
	return cache.Entry{}, metrics.FetchFailed, fmt.Errorf("policy: %s: %w", decision.Rule, err)
}

func (d *Dispatcher) networkFirst(ctx context.Context, decision Decision, r *http.Request) (cache.Entry, metrics.FetchOutcome, error) {
	key := cache.KeyFor(r)
	entry, err := d.fetcher.Fetch(ctx, r)
	if err == nil {
		d.store(ctx, decision, key, entry)
		return entry, metrics.FetchNetwork, nil
	}

	if cached, ok := d.matchKey(ctx, key); ok {
		return cached, metrics.FetchCache, nil
	}
	if decision.OfflineFallback {
		if fallback, ok := d.matchKey(ctx, d.offlineKey); ok {
			return fallback, metrics.FetchOffline, nil
		}
	}
	return cache.Entry{}, metrics.FetchFailed, fmt.Errorf("policy: %s: %w", decision.Rule, err)
}

func (d *Dispatcher) cacheFirst(ctx context.Context, decision Decision, r *http.Request) (cache.Entry, metrics.FetchOutcome, error) {
	key := cache.KeyFor(r)
	if cached, ok := d.matchKey(ctx, key); ok {
		return cached, metrics.FetchCache, nil
	}

	entry, err := d.fetcher.Fetch(ctx, r)
	if err != nil {
		return cache.Entry{}, metrics.FetchFailed, fmt.Errorf("policy: %s: %w", decision.Rule, err)
	}
	d.store(ctx, decision, key, entry)
	return entry, metrics.FetchNetwork, nil
}

func (d *Dispatcher) staleWhileRevalidate(ctx context.Context, decision Decision, r *http.Request) (cache.Entry, metrics.FetchOutcome, error) {
	key := cache.KeyFor(r)
	if cached, ok := d.matchKey(ctx, key); ok {
		// Refresh in the background; the caller already has its response.
		refreshCtx := context.WithoutCancel(ctx)
		refresh := r.Clone(refreshCtx)
		go func() {
			entry, err := d.fetcher.Fetch(refreshCtx, refresh)
			if err != nil {
				d.logger.Debug("background revalidation failed",
					slog.String("path", refresh.URL.Path),
					slog.Any("error", err),
				)
				return
			}
			d.store(refreshCtx, decision, key, entry)
		}()
		return cached, metrics.FetchCache, nil
	}

	entry, err := d.fetcher.Fetch(ctx, r)
	if err != nil {
		return cache.Entry{}, metrics.FetchFailed, fmt.Errorf("policy: %s: %w", decision.Rule, err)
	}
	d.store(ctx, decision, key, entry)
	return entry, metrics.FetchNetwork, nil
}

// matchKey treats cache failures as misses so storage trouble never breaks
// request serving.
func (d *Dispatcher) matchKey(ctx context.Context, key cache.Key) (cache.Entry, bool) {
	entry, ok, err := d.generation.Match(ctx, key)
	if err != nil {
		d.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheError)
		d.logger.Warn("cache match failed, treating as miss",
			slog.String("key", key.URL),
			slog.Any("error", err),
		)
		return cache.Entry{}, false
	}
	if ok {
		d.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheHit)
	} else {
		d.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheMiss)
	}
	return entry, ok
}

// store writes a successful response when the decision allows storage.
// Non-2xx responses are never stored.
func (d *Dispatcher) store(ctx context.Context, decision Decision, key cache.Key, entry cache.Entry) {
	if !decision.Store {
		return
	}
	if entry.Status < 200 || entry.Status >= 300 {
		return
	}
	if err := d.generation.Put(ctx, key, entry); err != nil {
		d.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheError)
		d.logger.Warn("cache put failed",
			slog.String("key", key.URL),
			slog.Any("error", err),
		)
		return
	}
	d.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheStored)
}
