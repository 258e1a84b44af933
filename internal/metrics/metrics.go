package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache store method being instrumented.
type CacheOperation string

const (
	// CacheOperationMatch records cache match calls.
	CacheOperationMatch CacheOperation = "match"
	// CacheOperationPut records cache put attempts.
	CacheOperationPut CacheOperation = "put"
	// CacheOperationEvict records generation deletions.
	CacheOperationEvict CacheOperation = "evict"
)

// CacheOutcome captures the result of a cache store operation.
type CacheOutcome string

const (
	// CacheHit indicates the match returned a stored response.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates no stored response was present.
	CacheMiss CacheOutcome = "miss"
	// CacheStored indicates the entry was persisted.
	CacheStored CacheOutcome = "stored"
	// CacheEvicted indicates a generation was deleted.
	CacheEvicted CacheOutcome = "evicted"
	// CacheError indicates the operation failed; callers degrade to a miss.
	CacheError CacheOutcome = "error"
)

// FetchOutcome captures how an intercepted request was answered.
type FetchOutcome string

const (
	// FetchNetwork means the upstream response was served.
	FetchNetwork FetchOutcome = "network"
	// FetchCache means a cached response was served.
	FetchCache FetchOutcome = "cache"
	// FetchOffline means the offline fallback page was served.
	FetchOffline FetchOutcome = "offline"
	// FetchFailed means neither network nor cache could answer.
	FetchFailed FetchOutcome = "failed"
)

// BridgeOutcome captures how a bridge read resolved.
type BridgeOutcome string

const (
	// BridgeResolved means a page client answered the read.
	BridgeResolved BridgeOutcome = "resolved"
	// BridgeUnavailable means no page client was open; the read
	// short-circuited by design.
	BridgeUnavailable BridgeOutcome = "unavailable"
)

// Recorder publishes Prometheus metrics for agent activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec

	pushRendered     *prometheus.CounterVec
	notifyRouted     *prometheus.CounterVec
	bridgeReads      *prometheus.CounterVec
	bridgePosts      *prometheus.CounterVec
	syncSessions     *prometheus.CounterVec
	reconcileRepairs *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plankagent",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by strategy and outcome.",
	}, []string{"strategy", "outcome", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "plankagent",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"strategy", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plankagent",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the agent.",
	}, []string{"operation", "result"})

	pushRendered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plankagent",
		Subsystem: "push",
		Name:      "rendered_total",
		Help:      "Push notifications rendered by category and outcome.",
	}, []string{"category", "outcome"})

	notifyRouted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plankagent",
		Subsystem: "notify",
		Name:      "interactions_total",
		Help:      "Notification interactions routed by action and resolution.",
	}, []string{"action", "resolution"})

	bridgeReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plankagent",
		Subsystem: "bridge",
		Name:      "reads_total",
		Help:      "Secure bridge storage reads by outcome.",
	}, []string{"outcome"})

	bridgePosts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plankagent",
		Subsystem: "bridge",
		Name:      "posts_total",
		Help:      "Fire-and-forget bridge messages by type.",
	}, []string{"type"})

	syncSessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plankagent",
		Subsystem: "sync",
		Name:      "sessions_total",
		Help:      "Offline session sync attempts by outcome.",
	}, []string{"outcome"})

	reconcileRepairs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plankagent",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Subscription reconciler runs by result.",
	}, []string{"result"})

	reg.MustRegister(
		fetchRequests, fetchLatency, cacheOperations,
		pushRendered, notifyRouted, bridgeReads, bridgePosts,
		syncSessions, reconcileRepairs,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		fetchRequests:    fetchRequests,
		fetchLatency:     fetchLatency,
		cacheOperations:  cacheOperations,
		pushRendered:     pushRendered,
		notifyRouted:     notifyRouted,
		bridgeReads:      bridgeReads,
		bridgePosts:      bridgePosts,
		syncSessions:     syncSessions,
		reconcileRepairs: reconcileRepairs,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records the outcome and latency for an intercepted request.
func (r *Recorder) ObserveFetch(strategy string, outcome FetchOutcome, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	outcomeLabel := normalizeLabel(string(outcome))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.fetchRequests.WithLabelValues(strategyLabel, outcomeLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(strategyLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a cache store operation.
func (r *Recorder) ObserveCache(operation CacheOperation, outcome CacheOutcome) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationMatch)
	}
	r.cacheOperations.WithLabelValues(opLabel, normalizeLabel(string(outcome))).Inc()
}

// ObservePush records a rendered push notification.
func (r *Recorder) ObservePush(category, outcome string) {
	if r == nil {
		return
	}
	r.pushRendered.WithLabelValues(normalizeLabel(category), normalizeLabel(outcome)).Inc()
}

// ObserveInteraction records a routed notification interaction.
func (r *Recorder) ObserveInteraction(action, resolution string) {
	if r == nil {
		return
	}
	r.notifyRouted.WithLabelValues(normalizeLabel(action), normalizeLabel(resolution)).Inc()
}

// ObserveBridgeRead records how a bridge storage read resolved.
func (r *Recorder) ObserveBridgeRead(outcome BridgeOutcome) {
	if r == nil {
		return
	}
	r.bridgeReads.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveBridgePost records a fire-and-forget bridge message.
func (r *Recorder) ObserveBridgePost(messageType string) {
	if r == nil {
		return
	}
	r.bridgePosts.WithLabelValues(normalizeLabel(messageType)).Inc()
}

// ObserveSync records the outcome of one offline session sync attempt.
func (r *Recorder) ObserveSync(outcome string) {
	if r == nil {
		return
	}
	r.syncSessions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveReconcile records one reconciler run by result.
func (r *Recorder) ObserveReconcile(result string) {
	if r == nil {
		return
	}
	r.reconcileRepairs.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
