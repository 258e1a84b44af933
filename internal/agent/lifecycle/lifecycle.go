// Package lifecycle drives the agent through install and activation:
// precache the manifest, then evict every stale cache generation and claim
// the open pages.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/plankcoach/plankagent/internal/agent/cache"
	"github.com/plankcoach/plankagent/internal/agent/clients"
	"github.com/plankcoach/plankagent/internal/metrics"
)

// State is the agent instance's position in the install/activate machine.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// Precacher fetches a bare origin path during install.
type Precacher interface {
	FetchPath(ctx context.Context, path string) (cache.Entry, error)
}

// Manager owns the state machine for one agent instance.
type Manager struct {
	logger     *slog.Logger
	metrics    *metrics.Recorder
	store      cache.Store
	generation string
	manifest   []string
	fetcher    Precacher
	registry   clients.Registry

	mu    sync.RWMutex
	state State
}

func NewManager(logger *slog.Logger, recorder *metrics.Recorder, store cache.Store, generation string, manifest []string, fetcher Precacher, registry clients.Registry) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:     logger.With(slog.String("component", "lifecycle")),
		metrics:    recorder,
		store:      store,
		generation: generation,
		manifest:   manifest,
		fetcher:    fetcher,
		registry:   registry,
		state:      StateInstalling,
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.logger.Info("lifecycle transition", slog.String("state", string(state)))
}

// Startup runs install and then activates immediately. There is no waiting
// state between the two: a fresh instance takes over as soon as its manifest
// is cached, trading zero-downtime for freshness.
func (m *Manager) Startup(ctx context.Context) error {
	if err := m.Install(ctx); err != nil {
		return err
	}
	return m.Activate(ctx)
}

// Install precaches the essential-resource manifest into the current
// generation. Any fetch or store failure is fatal: an instance that cannot
// guarantee its offline baseline must not activate.
func (m *Manager) Install(ctx context.Context) error {
	m.setState(StateInstalling)

	for _, path := range m.manifest {
		entry, err := m.fetcher.FetchPath(ctx, path)
		if err != nil {
			return fmt.Errorf("lifecycle: precache %s: %w", path, err)
		}
		if entry.Status < 200 || entry.Status >= 300 {
			return fmt.Errorf("lifecycle: precache %s: unexpected status %d", path, entry.Status)
		}
		key := cache.Key{Method: http.MethodGet, URL: path}
		if err := m.store.Put(ctx, m.generation, key, entry); err != nil {
			return fmt.Errorf("lifecycle: precache %s: %w", path, err)
		}
		m.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheStored)
	}

	m.setState(StateInstalled)
	m.logger.Info("manifest precached",
		slog.String("generation", m.generation),
		slog.Int("resources", len(m.manifest)),
	)
	return nil
}

// Activate deletes every generation other than the current one and claims
// all open pages. Eviction is best-effort: generation names are unique, so a
// leaked old generation wastes space but cannot serve stale content.
func (m *Manager) Activate(ctx context.Context) error {
	m.setState(StateActivating)

	generations, err := m.store.ListGenerations(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: list generations: %w", err)
	}
	for _, name := range generations {
		if name == m.generation {
			continue
		}
		if err := m.store.DeleteGeneration(ctx, name); err != nil {
			m.metrics.ObserveCache(metrics.CacheOperationEvict, metrics.CacheError)
			m.logger.Warn("failed to evict stale generation",
				slog.String("generation", name),
				slog.Any("error", err),
			)
			continue
		}
		m.metrics.ObserveCache(metrics.CacheOperationEvict, metrics.CacheEvicted)
		m.logger.Info("evicted stale generation", slog.String("generation", name))
	}

	if m.registry != nil {
		if err := m.registry.Claim(ctx, m.generation); err != nil {
			m.logger.Warn("claiming open pages failed", slog.Any("error", err))
		}
	}

	m.setState(StateActivated)
	return nil
}
