// Package notify maps notification interactions to navigation targets or
// foreground commands. The mapping itself is pure; delivery goes through the
// page-client registry and the storage bridge.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/plankcoach/plankagent/internal/agent/bridge"
	"github.com/plankcoach/plankagent/internal/agent/clients"
	"github.com/plankcoach/plankagent/internal/metrics"
)

// TargetKind classifies what an interaction resolves to.
type TargetKind string

const (
	TargetNavigate TargetKind = "navigate"
	TargetCommand  TargetKind = "command"
	TargetNone     TargetKind = "none"
)

// Target is the resolved outcome of one interaction.
type Target struct {
	Kind TargetKind
	// URL is relative to the app origin; set for TargetNavigate.
	URL string
	// Command is set for TargetCommand.
	Command bridge.MessageType
}

// actionTargets maps explicit action ids to navigation targets. The id wins
// over the category when both are present.
var actionTargets = map[string]string{
	"start-workout":    "/?action=start-workout",
	"quick-workout":    "/?action=quick-workout",
	"full-workout":     "/?action=full-workout",
	"view-progress":    "/?tab=stats",
	"view-stats":       "/?tab=stats",
	"view-achievement": "/?tab=achievements",
	"set-goal":         "/?tab=goals",
}

// categoryTargets maps a bare click (no action id) to a target by category.
var categoryTargets = map[string]string{
	"achievement": "/?tab=achievements",
	"streak":      "/?tab=stats",
	"progress":    "/?tab=stats",
	"reminder":    "/",
}

// Resolve maps (action, category) to a target. Unknown actions and
// categories fall back to the app root so a click always lands somewhere.
func Resolve(action, category string) Target {
	switch action {
	case "dismiss":
		return Target{Kind: TargetNone}
	case "share":
		return Target{Kind: TargetCommand, Command: bridge.MessageShareAchievement}
	}
	if target, ok := actionTargets[action]; ok {
		return Target{Kind: TargetNavigate, URL: target}
	}
	if target, ok := categoryTargets[category]; ok {
		return Target{Kind: TargetNavigate, URL: target}
	}
	return Target{Kind: TargetNavigate, URL: "/"}
}

// Router resolves interactions and drives the foreground to the target.
type Router struct {
	logger   *slog.Logger
	metrics  *metrics.Recorder
	bridge   *bridge.Bridge
	registry clients.Registry
}

func NewRouter(logger *slog.Logger, recorder *metrics.Recorder, br *bridge.Bridge, registry clients.Registry) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger.With(slog.String("component", "notify")),
		metrics:  recorder,
		bridge:   br,
		registry: registry,
	}
}

// Interaction is one user click on a displayed notification. Action is empty
// for a bare click on the notification body.
type Interaction struct {
	Action   string
	Category string
	Data     map[string]any
}

// HandleInteraction logs the interaction, resolves the target, and performs
// the focus-or-open protocol. The interaction log is fire-and-forget, so a
// missing foreground never blocks navigation.
func (r *Router) HandleInteraction(ctx context.Context, interaction Interaction) error {
	logData := interaction.Data
	if logData == nil {
		logData = map[string]any{}
	}
	if _, ok := logData["action"]; !ok && interaction.Action != "" {
		logData["action"] = interaction.Action
	}
	r.bridge.LogInteraction(ctx, logData)

	target := Resolve(interaction.Action, interaction.Category)
	r.metrics.ObserveInteraction(interaction.Action, string(target.Kind))
	r.logger.Info("notification interaction",
		slog.String("action", interaction.Action),
		slog.String("category", interaction.Category),
		slog.String("target", target.URL),
		slog.String("kind", string(target.Kind)),
	)

	switch target.Kind {
	case TargetNone:
		return nil
	case TargetCommand:
		// share: the foreground owns the share sheet; the agent only relays
		// the notification's data bag.
		r.bridge.Command(ctx, bridge.Message{Type: target.Command, Data: interaction.Data})
		return nil
	default:
		return r.navigate(ctx, target.URL)
	}
}

// navigate focuses an open client whose URL base matches the target, issuing
// a NAVIGATE command only when the exact location differs. Without a match it
// opens a new window. Focusing cannot change a page's location, hence the
// separate navigate step.
func (r *Router) navigate(ctx context.Context, target string) error {
	targetURL, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("notify: parse target %q: %w", target, err)
	}

	for _, client := range r.registry.List(ctx) {
		clientURL, err := url.Parse(client.URL())
		if err != nil || clientURL.Path != targetURL.Path {
			continue
		}
		if err := client.Focus(ctx); err != nil {
			r.logger.Warn("focus failed, trying next client",
				slog.String("client_id", client.ID()),
				slog.Any("error", err),
			)
			continue
		}
		if clientURL.RawQuery == targetURL.RawQuery {
			return nil
		}
		return client.Post(ctx, bridge.Message{Type: bridge.MessageNavigate, URL: target})
	}
	return r.registry.OpenWindow(ctx, target)
}
