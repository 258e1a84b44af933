package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/plankcoach/plankagent/internal/metrics"
)

// Peer is one connected foreground page the agent can post messages to.
type Peer interface {
	Post(ctx context.Context, msg Message) error
}

// PeerSource enumerates the currently connected foreground pages. The
// bridge asks per operation so it always sees the live set.
type PeerSource interface {
	Peers(ctx context.Context) []Peer
}

// ErrNoPeers reports that an operation requiring a foreground page found
// none connected. Storage reads do not return it; they short-circuit to
// unavailable by design.
var ErrNoPeers = errors.New("bridge: no page clients connected")

// Bridge delegates privileged operations to a connected foreground page.
// The agent holds no credentials; every durable write it needs happens on
// the other side of this message channel.
type Bridge struct {
	source  PeerSource
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	pending map[string]chan Message
}

// New constructs a bridge over the given peer source.
func New(source PeerSource, logger *slog.Logger, recorder *metrics.Recorder) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		source:  source,
		logger:  logger.With(slog.String("component", "bridge")),
		metrics: recorder,
		pending: make(map[string]chan Message),
	}
}

// GetStorage asks a foreground page for the value under key in its durable
// storage. When no page is connected it resolves immediately with ok=false
// rather than hanging; that is the designed short-circuit, not an error.
// The reply is correlated by a generated unique request id and resolves the
// caller exactly once; late duplicates are dropped.
func (b *Bridge) GetStorage(ctx context.Context, key string) (json.RawMessage, bool, error) {
	peers := b.source.Peers(ctx)
	if len(peers) == 0 {
		b.metrics.ObserveBridgeRead(metrics.BridgeUnavailable)
		b.logger.Debug("storage read unavailable", slog.String("key", key))
		return nil, false, nil
	}

	id := uuid.NewString()
	ch, err := b.register(id)
	if err != nil {
		return nil, false, err
	}
	defer b.unregister(id)

	msg := Message{Type: MessageGetStorage, RequestID: id, Key: key}
	if err := peers[0].Post(ctx, msg); err != nil {
		return nil, false, fmt.Errorf("bridge: post %s: %w", MessageGetStorage, err)
	}

	select {
	case reply := <-ch:
		b.metrics.ObserveBridgeRead(metrics.BridgeResolved)
		return reply.Value, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Request posts msg to a foreground page with a generated correlation id
// and blocks for the reply. Like GetStorage it short-circuits to ok=false
// with zero pages connected.
func (b *Bridge) Request(ctx context.Context, msg Message) (Message, bool, error) {
	peers := b.source.Peers(ctx)
	if len(peers) == 0 {
		b.metrics.ObserveBridgeRead(metrics.BridgeUnavailable)
		b.logger.Debug("request unavailable", slog.String("type", string(msg.Type)))
		return Message{}, false, nil
	}

	id := uuid.NewString()
	ch, err := b.register(id)
	if err != nil {
		return Message{}, false, err
	}
	defer b.unregister(id)

	msg.RequestID = id
	if err := peers[0].Post(ctx, msg); err != nil {
		return Message{}, false, fmt.Errorf("bridge: post %s: %w", msg.Type, err)
	}

	select {
	case reply := <-ch:
		b.metrics.ObserveBridgeRead(metrics.BridgeResolved)
		return reply, true, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// SetStorage posts a durable write to a foreground page. Fire-and-forget:
// the foreground owns durability and no acknowledgment is awaited, so
// delivery is at-most-once.
func (b *Bridge) SetStorage(ctx context.Context, key string, value json.RawMessage) {
	b.post(ctx, Message{Type: MessageSetStorage, Key: key, Value: value})
}

// LogInteraction asks the foreground to persist a notification interaction
// record. Fire-and-forget; a logging failure must never block navigation.
func (b *Bridge) LogInteraction(ctx context.Context, data map[string]any) {
	b.post(ctx, Message{Type: MessageLogInteraction, Data: data})
}

// Command posts an agent command (share, claim, show-notification) to the
// first connected page. Fire-and-forget.
func (b *Bridge) Command(ctx context.Context, msg Message) {
	b.post(ctx, msg)
}

// RequestSync asks a foreground page to replay one offline session and
// blocks until the page acknowledges with SYNC_SUCCESS or SYNC_FAILED. The
// ack is correlated by session id. ErrNoPeers is returned when no page is
// connected; the platform's own retry scheduling redelivers the sync event.
func (b *Bridge) RequestSync(ctx context.Context, sessionID string, session json.RawMessage) error {
	peers := b.source.Peers(ctx)
	if len(peers) == 0 {
		return ErrNoPeers
	}

	key := syncKey(sessionID)
	ch, err := b.register(key)
	if err != nil {
		return err
	}
	defer b.unregister(key)

	msg := Message{Type: MessageSyncSessions, SessionID: sessionID, Value: session}
	if err := peers[0].Post(ctx, msg); err != nil {
		return fmt.Errorf("bridge: post %s: %w", MessageSyncSessions, err)
	}

	select {
	case reply := <-ch:
		if reply.Type == MessageSyncFailed {
			return fmt.Errorf("bridge: sync session %s: %s", sessionID, reply.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleInbound resolves foreground replies against the pending table. It
// reports whether the message was consumed so the transport can route
// non-reply messages (clicks, hello) elsewhere.
func (b *Bridge) HandleInbound(msg Message) bool {
	switch msg.Type {
	case MessageStorageValue, MessageSubscriptionValue, MessageSubscribeResult:
		return b.resolve(msg.RequestID, msg)
	case MessageSyncSuccess, MessageSyncFailed:
		return b.resolve(syncKey(msg.SessionID), msg)
	default:
		return false
	}
}

func (b *Bridge) post(ctx context.Context, msg Message) {
	peers := b.source.Peers(ctx)
	if len(peers) == 0 {
		b.logger.Debug("no page client for message", slog.String("type", string(msg.Type)))
		return
	}
	b.metrics.ObserveBridgePost(string(msg.Type))
	if err := peers[0].Post(ctx, msg); err != nil {
		b.logger.Warn("bridge post failed",
			slog.String("type", string(msg.Type)),
			slog.Any("error", err),
		)
	}
}

func (b *Bridge) register(id string) (chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pending[id]; exists {
		return nil, fmt.Errorf("bridge: correlation id %s already pending", id)
	}
	ch := make(chan Message, 1)
	b.pending[id] = ch
	return ch, nil
}

func (b *Bridge) unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// resolve delivers the reply to the waiting caller and removes the entry so
// a second matching response cannot re-resolve anything.
func (b *Bridge) resolve(id string, msg Message) bool {
	if id == "" {
		return false
	}
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("dropping reply with no pending request",
			slog.String("type", string(msg.Type)),
			slog.String("id", id),
		)
		return false
	}
	ch <- msg
	return true
}

func syncKey(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return "sync:" + sessionID
}
