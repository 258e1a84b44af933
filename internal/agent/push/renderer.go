package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/plankcoach/plankagent/internal/metrics"
)

// Notification categories. Unknown categories keep their name but render
// with the workout icon and the default vibration pattern.
const (
	CategoryAchievement = "achievement"
	CategoryStreak      = "streak"
	CategoryProgress    = "progress"
	CategoryReminder    = "reminder"
)

// maxActions is the platform ceiling on notification action buttons.
const maxActions = 2

// Action is one button on a displayed notification.
type Action struct {
	ID    string `json:"action"`
	Title string `json:"title"`
}

// Descriptor is the fully resolved set of fields used to render one push
// notification.
type Descriptor struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon"`
	Badge              string         `json:"badge"`
	Vibration          []int          `json:"vibrate"`
	Tag                string         `json:"tag"`
	RequireInteraction bool           `json:"requireInteraction"`
	Actions            []Action       `json:"actions"`
	Data               map[string]any `json:"data"`
}

// Category returns the category recorded in the descriptor's data bag.
func (d Descriptor) Category() string {
	if category, ok := d.Data["category"].(string); ok {
		return category
	}
	return CategoryReminder
}

var categoryIcons = map[string]string{
	CategoryAchievement: "/icons/achievement.png",
	CategoryStreak:      "/icons/streak.png",
	CategoryProgress:    "/icons/progress.png",
	CategoryReminder:    "/icons/icon-192x192.png",
}

var categoryVibrations = map[string][]int{
	CategoryAchievement: {300, 100, 300},
	CategoryStreak:      {150, 100, 150, 100, 150},
	CategoryProgress:    {100, 50, 100, 50, 100},
	CategoryReminder:    {200, 100, 200},
}

// categoryActions replaces the action list outright for three categories.
// The overlay applies after payload actions so it wins for these categories.
var categoryActions = map[string][]Action{
	CategoryAchievement: {
		{ID: "view-achievement", Title: "View"},
		{ID: "share", Title: "Share"},
	},
	CategoryStreak: {
		{ID: "quick-workout", Title: "Quick Workout"},
		{ID: "full-workout", Title: "Full Workout"},
	},
	CategoryProgress: {
		{ID: "view-stats", Title: "View Stats"},
		{ID: "set-goal", Title: "Set Goal"},
	},
}

// wirePayload mirrors the recognized top-level fields of the push wire
// format. Everything is optional; unknown fields are ignored.
type wirePayload struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Tag                string         `json:"tag"`
	Actions            []Action       `json:"actions"`
	RequireInteraction *bool          `json:"requireInteraction"`
	NotificationType   string         `json:"notification_type"`
	Data               map[string]any `json:"data"`
}

// Displayer shows a rendered descriptor to the user. The production
// implementation broadcasts it to connected page clients.
type Displayer interface {
	Display(ctx context.Context, descriptor Descriptor) error
}

// Renderer turns untrusted push payloads into displayable descriptors.
type Renderer struct {
	displayer Displayer
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// NewRenderer wires the renderer to its display surface.
func NewRenderer(displayer Displayer, logger *slog.Logger, recorder *metrics.Recorder) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		displayer: displayer,
		logger:    logger.With(slog.String("component", "push")),
		metrics:   recorder,
	}
}

// Render resolves a descriptor from the payload. A malformed payload never
// fails the render: the hard-coded defaults are kept and the parse error is
// recorded.
func (r *Renderer) Render(payload []byte) Descriptor {
	descriptor := defaultDescriptor()

	var wire wirePayload
	hasPayload := len(payload) > 0
	if hasPayload {
		if err := json.Unmarshal(payload, &wire); err != nil {
			r.logger.Warn("malformed push payload, using defaults", slog.Any("error", err))
			return descriptor
		}
	}

	category := resolveCategory(wire)
	descriptor.Data["category"] = category

	if wire.Title != "" {
		descriptor.Title = wire.Title
	}
	if wire.Body != "" {
		descriptor.Body = wire.Body
	}

	descriptor.Icon = iconFor(category)
	descriptor.Badge = badgeFor(category)
	descriptor.Vibration = vibrationFor(category)

	if wire.Tag != "" {
		descriptor.Tag = wire.Tag
	}
	if len(wire.Actions) > 0 {
		descriptor.Actions = capActions(wire.Actions)
	}
	if wire.RequireInteraction != nil {
		descriptor.RequireInteraction = *wire.RequireInteraction
	}
	// Shallow-merge payload data so the default correlation id survives
	// unless the payload explicitly overwrites it.
	for k, v := range wire.Data {
		descriptor.Data[k] = v
	}
	descriptor.Data["category"] = category

	// Category overlays replace the action list outright and therefore win
	// over payload-provided actions for these categories.
	if actions, ok := categoryActions[category]; ok {
		descriptor.Actions = capActions(actions)
	}

	return descriptor
}

// HandlePush renders and displays a notification for one inbound push
// event. Both success and failure to display are logged; failure is not
// retried since push services do not redeliver on handler errors.
func (r *Renderer) HandlePush(ctx context.Context, payload []byte) Descriptor {
	descriptor := r.Render(payload)
	category := descriptor.Category()

	if err := r.displayer.Display(ctx, descriptor); err != nil {
		r.metrics.ObservePush(category, "display_failed")
		r.logger.Error("notification display failed",
			slog.String("category", category),
			slog.String("tag", descriptor.Tag),
			slog.Any("error", err),
		)
		return descriptor
	}
	r.metrics.ObservePush(category, "displayed")
	r.logger.Info("notification displayed",
		slog.String("category", category),
		slog.String("tag", descriptor.Tag),
	)
	return descriptor
}

func defaultDescriptor() Descriptor {
	return Descriptor{
		Title:     "Plank Coach",
		Body:      "Time for your workout!",
		Icon:      categoryIcons[CategoryReminder],
		Badge:     "/icons/badge-72x72.png",
		Vibration: categoryVibrations[CategoryReminder],
		Tag:       "plank-coach",
		Actions: []Action{
			{ID: "start-workout", Title: "Start Workout"},
			{ID: "view-progress", Title: "View Progress"},
		},
		Data: map[string]any{
			"correlationId": uuid.NewString(),
			"category":      CategoryReminder,
		},
	}
}

// resolveCategory follows the fallback chain: explicit data.category, then
// the nested or top-level notification_type, then the generic reminder.
func resolveCategory(wire wirePayload) string {
	if category, ok := wire.Data["category"].(string); ok && category != "" {
		return normalizeCategory(category)
	}
	if kind, ok := wire.Data["notification_type"].(string); ok && kind != "" {
		return normalizeCategory(kind)
	}
	if wire.NotificationType != "" {
		return normalizeCategory(wire.NotificationType)
	}
	return CategoryReminder
}

func normalizeCategory(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "milestone":
		return CategoryProgress
	case "workout":
		return CategoryReminder
	case "":
		return CategoryReminder
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

func iconFor(category string) string {
	if icon, ok := categoryIcons[category]; ok {
		return icon
	}
	return categoryIcons[CategoryReminder]
}

func badgeFor(string) string {
	return "/icons/badge-72x72.png"
}

func vibrationFor(category string) []int {
	if pattern, ok := categoryVibrations[category]; ok {
		out := make([]int, len(pattern))
		copy(out, pattern)
		return out
	}
	out := make([]int, len(categoryVibrations[CategoryReminder]))
	copy(out, categoryVibrations[CategoryReminder])
	return out
}

func capActions(actions []Action) []Action {
	if len(actions) <= maxActions {
		out := make([]Action, len(actions))
		copy(out, actions)
		return out
	}
	out := make([]Action, maxActions)
	copy(out, actions[:maxActions])
	return out
}
