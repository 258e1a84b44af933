package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/plankcoach/plankagent/internal/agent/bridge"
)

// sessionKey is the durable-storage key where the foreground keeps the
// current session for bridge reads.
const sessionKey = "session"

type storedSession struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
}

// Runner drives periodic reconciliation. Credentials come from the
// foreground on every pass, so reconciliation only happens while a page
// with a live session is open.
type Runner struct {
	logger     *slog.Logger
	reconciler *Reconciler
	bridge     *bridge.Bridge
	interval   time.Duration
}

func NewRunner(logger *slog.Logger, reconciler *Reconciler, br *bridge.Bridge, interval time.Duration) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Runner{
		logger:     logger.With(slog.String("component", "reconcile")),
		reconciler: reconciler,
		bridge:     br,
		interval:   interval,
	}
}

// Run blocks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	value, ok, err := r.bridge.GetStorage(ctx, sessionKey)
	if err != nil {
		r.logger.Warn("session read failed, skipping pass", slog.Any("error", err))
		return
	}
	if !ok || len(value) == 0 {
		r.logger.Debug("no page session available, skipping pass")
		return
	}

	var session storedSession
	if err := json.Unmarshal(value, &session); err != nil {
		r.logger.Warn("malformed session record, skipping pass", slog.Any("error", err))
		return
	}
	if session.UserID == "" || session.AccessToken == "" {
		r.logger.Debug("no active session, skipping pass")
		return
	}

	creds := Credentials{UserID: session.UserID, Token: session.AccessToken}
	status, repaired, err := r.reconciler.Reconcile(ctx, creds)
	if err != nil {
		r.logger.Warn("periodic reconcile failed", slog.Any("error", err))
		return
	}
	if repaired {
		r.logger.Info("periodic reconcile repaired drift", slog.Bool("synced", status.Synced))
	}
}
