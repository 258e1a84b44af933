// Package agent ties the interception, push, lifecycle, and bridge pieces
// into one runtime.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/plankcoach/plankagent/internal/agent/bridge"
	"github.com/plankcoach/plankagent/internal/agent/cache"
	"github.com/plankcoach/plankagent/internal/agent/clients"
	"github.com/plankcoach/plankagent/internal/agent/lifecycle"
	"github.com/plankcoach/plankagent/internal/agent/notify"
	"github.com/plankcoach/plankagent/internal/agent/offline"
	"github.com/plankcoach/plankagent/internal/agent/policy"
	"github.com/plankcoach/plankagent/internal/agent/push"
)

// Agent is the assembled background agent.
type Agent struct {
	logger     *slog.Logger
	dispatcher *policy.Dispatcher
	renderer   *push.Renderer
	router     *notify.Router
	syncer     *offline.Syncer
	lifecycle  *lifecycle.Manager
	bridge     *bridge.Bridge
	hub        *clients.Hub

	generation  cache.Generation
	offlinePage []byte
	offlinePath string
}

// Options carries the wired components.
type Options struct {
	Logger     *slog.Logger
	Dispatcher *policy.Dispatcher
	Renderer   *push.Renderer
	Router     *notify.Router
	Syncer     *offline.Syncer
	Lifecycle  *lifecycle.Manager
	Bridge     *bridge.Bridge
	Hub        *clients.Hub
	Generation cache.Generation

	// OfflinePage, when set, is a locally rendered fallback page stored
	// under OfflinePath after activation. It takes precedence over
	// whatever the origin served during precache.
	OfflinePage []byte
	OfflinePath string
}

func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		logger:      logger.With(slog.String("component", "agent")),
		dispatcher:  opts.Dispatcher,
		renderer:    opts.Renderer,
		router:      opts.Router,
		syncer:      opts.Syncer,
		lifecycle:   opts.Lifecycle,
		bridge:      opts.Bridge,
		hub:         opts.Hub,
		generation:  opts.Generation,
		offlinePage: opts.OfflinePage,
		offlinePath: opts.OfflinePath,
	}
	a.hub.SetInboundHandler(a.handleInbound)
	return a
}

// Startup installs and activates the agent instance.
func (a *Agent) Startup(ctx context.Context) error {
	if err := a.lifecycle.Startup(ctx); err != nil {
		return err
	}
	if len(a.offlinePage) > 0 && a.offlinePath != "" {
		key := cache.Key{Method: http.MethodGet, URL: a.offlinePath}
		entry := cache.Entry{
			Status:   http.StatusOK,
			Headers:  map[string]string{"Content-Type": "text/html; charset=utf-8"},
			Body:     a.offlinePage,
			StoredAt: time.Now(),
		}
		if err := a.generation.Put(ctx, key, entry); err != nil {
			return fmt.Errorf("agent: store offline page: %w", err)
		}
	}
	return nil
}

// State exposes the lifecycle state for health reporting.
func (a *Agent) State() lifecycle.State {
	return a.lifecycle.State()
}

// ServeHTTP serves one intercepted request through the strategy dispatcher.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result, err := a.dispatcher.Handle(r.Context(), r)
	if err != nil {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	header := w.Header()
	for name, value := range result.Entry.Headers {
		header.Set(name, value)
	}
	header.Set("X-Served-By", "plankagent")
	w.WriteHeader(result.Entry.Status)
	if _, err := w.Write(result.Entry.Body); err != nil {
		a.logger.Debug("response write failed", slog.Any("error", err))
	}
}

// HandlePush renders an inbound push payload and shows the notification.
func (a *Agent) HandlePush(ctx context.Context, payload []byte) push.Descriptor {
	return a.renderer.HandlePush(ctx, payload)
}

// HandleSync runs one offline-session replay pass for the given sync tag.
func (a *Agent) HandleSync(ctx context.Context, tag string) error {
	if tag != offline.SyncTag {
		return fmt.Errorf("agent: unknown sync tag %q", tag)
	}
	return a.syncer.SyncSessions(ctx)
}

// handleInbound receives every page message the bridge's correlation table
// did not consume.
func (a *Agent) handleInbound(ctx context.Context, client clients.Client, msg bridge.Message) {
	if a.bridge.HandleInbound(msg) {
		return
	}

	switch msg.Type {
	case bridge.MessageNotificationClick:
		interaction := notify.Interaction{
			Action:   msg.Action,
			Category: categoryFrom(msg.Data),
			Data:     msg.Data,
		}
		if err := a.router.HandleInteraction(ctx, interaction); err != nil {
			a.logger.Warn("interaction routing failed",
				slog.String("action", msg.Action),
				slog.Any("error", err),
			)
		}
	default:
		a.logger.Debug("unhandled page message",
			slog.String("type", string(msg.Type)),
			slog.String("client_id", client.ID()),
		)
	}
}

func categoryFrom(data map[string]any) string {
	if category, ok := data["category"].(string); ok {
		return category
	}
	return ""
}

// HubDisplayer shows rendered notifications by broadcasting them to every
// connected page; any open page may own the display surface.
type HubDisplayer struct {
	Hub *clients.Hub
}

func (d HubDisplayer) Display(ctx context.Context, descriptor push.Descriptor) error {
	raw, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("agent: encode notification: %w", err)
	}
	return d.Hub.Broadcast(ctx, bridge.Message{Type: bridge.MessageShowNotification, Notification: raw})
}
