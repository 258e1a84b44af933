// Package offline replays workout sessions recorded while the app had no
// connectivity. The session records live in the foreground's durable
// storage; the agent only reads them through the bridge and asks the
// foreground to perform each upload with its own session credentials.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/plankcoach/plankagent/internal/agent/bridge"
	"github.com/plankcoach/plankagent/internal/metrics"
)

// StorageKey is the durable-storage key holding the offline session records.
const StorageKey = "offline_workout_sessions"

// SyncTag is the well-known background-sync registration tag that triggers
// a replay.
const SyncTag = "sync-sessions"

// Syncer coordinates one replay pass over the unsynced session records.
type Syncer struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	bridge  *bridge.Bridge
}

func NewSyncer(logger *slog.Logger, recorder *metrics.Recorder, br *bridge.Bridge) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		logger:  logger.With(slog.String("component", "offline")),
		metrics: recorder,
		bridge:  br,
	}
}

// sessionEnvelope is the slice of each record the syncer understands; the
// rest of the record is opaque and passed through untouched.
type sessionEnvelope struct {
	ID     string `json:"id"`
	Synced bool   `json:"synced"`
}

// SyncSessions reads the offline records and replays every unsynced one.
// Individual replay failures are logged and counted but never abort the
// pass; the platform's own retry scheduling redelivers the sync event.
func (s *Syncer) SyncSessions(ctx context.Context) error {
	raw, ok, err := s.bridge.GetStorage(ctx, StorageKey)
	if err != nil {
		return fmt.Errorf("offline: read sessions: %w", err)
	}
	if !ok {
		s.logger.Info("no page available, skipping session sync")
		s.metrics.ObserveSync("unavailable")
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("offline: decode sessions: %w", err)
	}

	var replayed, failed int
	for _, record := range records {
		var envelope sessionEnvelope
		if err := json.Unmarshal(record, &envelope); err != nil {
			s.logger.Warn("skipping malformed session record", slog.Any("error", err))
			continue
		}
		if envelope.Synced {
			continue
		}
		if envelope.ID == "" {
			s.logger.Warn("skipping session record without id")
			continue
		}

		if err := s.bridge.RequestSync(ctx, envelope.ID, record); err != nil {
			failed++
			s.metrics.ObserveSync("failed")
			s.logger.Warn("session replay failed",
				slog.String("session_id", envelope.ID),
				slog.Any("error", err),
			)
			continue
		}
		replayed++
		s.metrics.ObserveSync("success")
	}

	s.logger.Info("session sync pass complete",
		slog.Int("replayed", replayed),
		slog.Int("failed", failed),
	)
	return nil
}
