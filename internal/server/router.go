package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/plankcoach/plankagent/internal/agent/lifecycle"
	"github.com/plankcoach/plankagent/internal/agent/offline"
	"github.com/plankcoach/plankagent/internal/agent/push"
	"github.com/plankcoach/plankagent/internal/reconcile"
)

// AgentHTTP is the surface the router needs from the assembled agent.
type AgentHTTP interface {
	http.Handler
	HandlePush(ctx context.Context, payload []byte) push.Descriptor
	HandleSync(ctx context.Context, tag string) error
	State() lifecycle.State
}

// ReconcileHTTP is the on-demand reconciliation surface.
type ReconcileHTTP interface {
	Reconcile(ctx context.Context, creds reconcile.Credentials) (reconcile.Status, bool, error)
}

// maxPushPayload bounds untrusted push bodies.
const maxPushPayload = 64 * 1024

// NewHandler wires the route facade: platform event endpoints, the page
// bridge, operational endpoints, and the catch-all interception proxy.
func NewHandler(logger *slog.Logger, agent AgentHTTP, bridgeHandler http.Handler, reconciler ReconcileHTTP, metricsHandler http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "router"))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		state := agent.State()
		status := http.StatusOK
		if state != lifecycle.StateActivated {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{
			"status": "ok",
			"state":  string(state),
		})
	})

	mux.Handle("GET /metrics", metricsHandler)
	mux.Handle("GET /bridge", bridgeHandler)

	mux.HandleFunc("POST /push", func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
			return
		}
		descriptor := agent.HandlePush(r.Context(), payload)
		writeJSON(w, http.StatusAccepted, descriptor)
	})

	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Tag string `json:"tag"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
		if body.Tag == "" {
			body.Tag = offline.SyncTag
		}
		if err := agent.HandleSync(r.Context(), body.Tag); err != nil {
			logger.Warn("sync pass failed", slog.String("tag", body.Tag), slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"tag": body.Tag})
	})

	mux.HandleFunc("POST /reconcile", func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bearer token required"})
			return
		}
		var body struct {
			UserID string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId required"})
			return
		}

		creds := reconcile.Credentials{UserID: body.UserID, Token: token}
		status, repaired, err := reconciler.Reconcile(r.Context(), creds)
		if err != nil {
			logger.Warn("reconcile failed", slog.String("user_id", body.UserID), slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   status,
			"repaired": repaired,
		})
	})

	// Everything else is app traffic flowing through the strategy
	// dispatcher.
	mux.Handle("/", agent)

	return mux
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
