// Package reconcile keeps the push-subscription pair consistent: the
// browser-side subscription handle and the server-side subscription rows
// must either both exist and agree on endpoint, or both be absent. Anything
// else is drift and gets repaired.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plankcoach/plankagent/internal/metrics"
)

// Subscription is a push-subscription handle as the page reports it.
type Subscription struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys,omitempty"`
}

// Row is one server-side subscription record.
type Row struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// Credentials scope every store call to one user's session. The agent never
// holds these; callers pass them per request.
type Credentials struct {
	UserID string
	Token  string
}

// PushManager reaches the browser's push registry. The agent cannot touch
// the registry itself, so the production implementation relays through a
// foreground page.
type PushManager interface {
	Current(ctx context.Context) (*Subscription, error)
	Subscribe(ctx context.Context) (*Subscription, error)
	Unsubscribe(ctx context.Context) error
}

// SubscriptionStore is the server-side row surface.
type SubscriptionStore interface {
	List(ctx context.Context, creds Credentials) ([]Row, error)
	DeleteAll(ctx context.Context, creds Credentials) error
	Save(ctx context.Context, creds Credentials, sub Subscription) error
}

// Status is one observation of the subscription pair.
type Status struct {
	BrowserSubscribed bool `json:"browserSubscribed"`
	ServerRows        int  `json:"serverRows"`
	EndpointMatch     bool `json:"endpointMatch"`
	Synced            bool `json:"synced"`
}

// Drift reports whether the pair needs repair. A pair that is "synced" by
// count but disagrees on endpoint still drifts.
func (s Status) Drift() bool {
	return !s.Synced || !s.EndpointMatch
}

// Reconciler detects and repairs drift.
type Reconciler struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	manager PushManager
	store   SubscriptionStore

	// propagationWait separates teardown from re-subscribe so the push
	// service sees the unsubscribe before the new registration.
	propagationWait time.Duration
}

func New(logger *slog.Logger, recorder *metrics.Recorder, manager PushManager, store SubscriptionStore) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		logger:          logger.With(slog.String("component", "reconcile")),
		metrics:         recorder,
		manager:         manager,
		store:           store,
		propagationWait: 500 * time.Millisecond,
	}
}

// Status observes both sides of the pair without mutating anything.
func (r *Reconciler) Status(ctx context.Context, creds Credentials) (Status, error) {
	sub, err := r.manager.Current(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reconcile: read browser subscription: %w", err)
	}
	rows, err := r.store.List(ctx, creds)
	if err != nil {
		return Status{}, fmt.Errorf("reconcile: list server rows: %w", err)
	}

	status := Status{
		BrowserSubscribed: sub != nil,
		ServerRows:        len(rows),
	}
	status.Synced = status.BrowserSubscribed && status.ServerRows > 0
	if status.Synced {
		for _, row := range rows {
			if row.Endpoint == sub.Endpoint {
				status.EndpointMatch = true
				break
			}
		}
	}
	return status, nil
}

// Repair tears both sides down and rebuilds the pair from scratch. It is
// idempotent: every run leaves exactly one server row matching one browser
// subscription, and "nothing to clean up" on either side is fine.
func (r *Reconciler) Repair(ctx context.Context, creds Credentials) error {
	if err := r.store.DeleteAll(ctx, creds); err != nil {
		r.metrics.ObserveReconcile("repair_failed")
		return fmt.Errorf("reconcile: delete server rows: %w", err)
	}

	sub, err := r.manager.Current(ctx)
	if err != nil {
		r.logger.Warn("reading browser subscription during repair failed", slog.Any("error", err))
	}
	if sub != nil {
		if err := r.manager.Unsubscribe(ctx); err != nil {
			// Best-effort: a dangling browser handle is replaced by the
			// fresh subscribe below.
			r.logger.Warn("unsubscribe failed during repair", slog.Any("error", err))
		}
	}

	select {
	case <-time.After(r.propagationWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	fresh, err := r.manager.Subscribe(ctx)
	if err != nil {
		r.metrics.ObserveReconcile("repair_failed")
		return fmt.Errorf("reconcile: fresh subscribe: %w", err)
	}
	if err := r.store.Save(ctx, creds, *fresh); err != nil {
		r.metrics.ObserveReconcile("repair_failed")
		return fmt.Errorf("reconcile: persist subscription: %w", err)
	}

	r.metrics.ObserveReconcile("repaired")
	r.logger.Info("subscription pair repaired",
		slog.String("user_id", creds.UserID),
		slog.String("endpoint", fresh.Endpoint),
	)
	return nil
}

// Reconcile observes the pair and repairs it when drifted. It returns the
// final status and whether a repair ran.
func (r *Reconciler) Reconcile(ctx context.Context, creds Credentials) (Status, bool, error) {
	status, err := r.Status(ctx, creds)
	if err != nil {
		return Status{}, false, err
	}
	if !status.Drift() {
		r.metrics.ObserveReconcile("in_sync")
		return status, false, nil
	}

	r.logger.Info("subscription drift detected",
		slog.Bool("browser_subscribed", status.BrowserSubscribed),
		slog.Int("server_rows", status.ServerRows),
		slog.Bool("endpoint_match", status.EndpointMatch),
	)
	if err := r.Repair(ctx, creds); err != nil {
		return status, false, err
	}

	final, err := r.Status(ctx, creds)
	if err != nil {
		return Status{}, true, err
	}
	return final, true, nil
}
