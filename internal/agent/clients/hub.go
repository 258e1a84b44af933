package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/plankcoach/plankagent/internal/agent/bridge"
)

// InboundHandler receives every decoded message a page sends that the hub
// itself does not consume. The agent wires it to the bridge's correlation
// table and the notification interaction router.
type InboundHandler func(ctx context.Context, client Client, msg bridge.Message)

// Hub is the websocket implementation of the page-client registry. Pages
// connect to /bridge, introduce themselves with a HELLO carrying their URL,
// and then exchange protocol messages with the agent.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	order   []string
	clients map[string]*wsClient

	handlerMu sync.RWMutex
	handler   InboundHandler
}

// NewHub builds the hub. allowedOrigins restricts websocket upgrades; an
// empty list accepts any origin, which suits same-origin deployments where
// the agent is served behind the app's own host.
func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:  logger.With(slog.String("component", "clients")),
		clients: make(map[string]*wsClient),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// SetInboundHandler installs the dispatcher for page-originated messages.
// It must be set before pages connect.
func (h *Hub) SetInboundHandler(handler InboundHandler) {
	h.handlerMu.Lock()
	h.handler = handler
	h.handlerMu.Unlock()
}

// ServeHTTP upgrades the connection and runs the page's read loop until the
// socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
	}
	defer func() {
		h.remove(client.id)
		_ = conn.Close()
		h.logger.Info("page client disconnected", slog.String("client_id", client.id))
	}()

	// The first message must be a HELLO announcing the page URL; without it
	// the router cannot match clients against navigation targets.
	first, err := h.read(conn)
	if err != nil {
		return
	}
	if first.Type != bridge.MessageHello || first.URL == "" {
		h.logger.Warn("page client skipped hello handshake", slog.String("type", string(first.Type)))
		return
	}
	client.setURL(first.URL)
	h.add(client)
	h.logger.Info("page client connected",
		slog.String("client_id", client.id),
		slog.String("url", first.URL),
	)

	ctx := r.Context()
	for {
		msg, err := h.read(conn)
		if err != nil {
			if !errors.Is(err, errSocketClosed) {
				h.logger.Debug("page client read failed", slog.Any("error", err))
			}
			return
		}
		// Pages re-announce after client-side navigation so URL matching
		// stays accurate.
		if msg.Type == bridge.MessageHello {
			client.setURL(msg.URL)
			continue
		}
		h.dispatch(ctx, client, msg)
	}
}

var errSocketClosed = errors.New("clients: socket closed")

func (h *Hub) read(conn *websocket.Conn) (bridge.Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return bridge.Message{}, errSocketClosed
		}
		return bridge.Message{}, fmt.Errorf("clients: read: %w", err)
	}
	msg, err := bridge.Decode(data)
	if err != nil {
		var unrecognized bridge.ErrUnrecognizedType
		if errors.As(err, &unrecognized) {
			h.logger.Warn("unrecognized message type from page", slog.String("type", unrecognized.Type))
			// Surface the unrecognized case without killing the socket;
			// return a HELLO-less message the loop will dispatch nowhere.
			return bridge.Message{}, nil
		}
		return bridge.Message{}, fmt.Errorf("clients: read: %w", err)
	}
	return msg, nil
}

func (h *Hub) dispatch(ctx context.Context, client Client, msg bridge.Message) {
	if msg.Type == "" {
		return
	}
	h.handlerMu.RLock()
	handler := h.handler
	h.handlerMu.RUnlock()
	if handler == nil {
		h.logger.Debug("dropping inbound message, no handler installed", slog.String("type", string(msg.Type)))
		return
	}
	handler(ctx, client, msg)
}

// List returns the connected clients in connection order.
func (h *Hub) List(context.Context) []Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Client, 0, len(h.order))
	for _, id := range h.order {
		if client, ok := h.clients[id]; ok {
			out = append(out, client)
		}
	}
	return out
}

// Peers adapts the registry to the bridge's peer source.
func (h *Hub) Peers(ctx context.Context) []bridge.Peer {
	list := h.List(ctx)
	peers := make([]bridge.Peer, len(list))
	for i, client := range list {
		peers[i] = client
	}
	return peers
}

// OpenWindow asks any connected page to open a new window at url. With no
// pages connected there is nothing that can spawn a window; the request is
// logged and dropped.
func (h *Hub) OpenWindow(ctx context.Context, url string) error {
	list := h.List(ctx)
	if len(list) == 0 {
		h.logger.Warn("no page client available to open window", slog.String("url", url))
		return nil
	}
	return list[0].Post(ctx, bridge.Message{Type: bridge.MessageOpenWindow, URL: url})
}

// Claim broadcasts the claim command so every open page is immediately
// governed by the newly activated agent instance.
func (h *Hub) Claim(ctx context.Context, generation string) error {
	var firstErr error
	for _, client := range h.List(ctx) {
		if err := client.Post(ctx, bridge.Message{Type: bridge.MessageClaim, Generation: generation}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcast posts a message to every connected page. Used for notification
// display, where any open page may own the display surface.
func (h *Hub) Broadcast(ctx context.Context, msg bridge.Message) error {
	list := h.List(ctx)
	if len(list) == 0 {
		return ErrNoClients
	}
	var firstErr error
	for _, client := range list {
		if err := client.Post(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ErrNoClients reports a broadcast with no connected pages.
var ErrNoClients = errors.New("clients: no page clients connected")

func (h *Hub) add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.id] = client
	h.order = append(h.order, client.id)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
	for i, existing := range h.order {
		if existing == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// wsClient is one websocket-backed page connection.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu  sync.Mutex
	url string

	// writeMu serializes writes; gorilla/websocket permits one concurrent
	// writer.
	writeMu sync.Mutex
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *wsClient) setURL(url string) {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
}

func (c *wsClient) Focus(ctx context.Context) error {
	return c.Post(ctx, bridge.Message{Type: bridge.MessageFocus})
}

func (c *wsClient) Post(_ context.Context, msg bridge.Message) error {
	data, err := bridge.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("clients: write %s: %w", msg.Type, err)
	}
	return nil
}
