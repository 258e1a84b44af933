package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/plankcoach/plankagent/internal/agent/bridge"
)

// ErrNoPage reports a push-registry operation attempted with no foreground
// page connected. The registry lives in the page; without one there is
// nothing to ask.
var ErrNoPage = errors.New("reconcile: no page client connected")

// PageManager relays push-registry operations to a foreground page over the
// bridge. Each call blocks for the page's correlated reply.
type PageManager struct {
	bridge *bridge.Bridge
}

func NewPageManager(br *bridge.Bridge) *PageManager {
	return &PageManager{bridge: br}
}

// Current reads the page's active subscription. A null reply value means no
// subscription exists, which is a valid state, not an error.
func (m *PageManager) Current(ctx context.Context) (*Subscription, error) {
	reply, ok, err := m.bridge.Request(ctx, bridge.Message{Type: bridge.MessageGetSubscription})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPage
	}
	return decodeSubscription(reply.Value)
}

// Subscribe asks the page to register with the push service, prompting for
// permission if needed.
func (m *PageManager) Subscribe(ctx context.Context) (*Subscription, error) {
	reply, ok, err := m.bridge.Request(ctx, bridge.Message{Type: bridge.MessageSubscribePush})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPage
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("reconcile: subscribe: %s", reply.Error)
	}
	sub, err := decodeSubscription(reply.Value)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errors.New("reconcile: subscribe returned no subscription")
	}
	return sub, nil
}

// Unsubscribe releases the page's subscription handle.
func (m *PageManager) Unsubscribe(ctx context.Context) error {
	reply, ok, err := m.bridge.Request(ctx, bridge.Message{Type: bridge.MessageUnsubscribePush})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPage
	}
	if reply.Error != "" {
		return fmt.Errorf("reconcile: unsubscribe: %s", reply.Error)
	}
	return nil
}

func decodeSubscription(value json.RawMessage) (*Subscription, error) {
	if len(value) == 0 || string(value) == "null" {
		return nil, nil
	}
	var sub Subscription
	if err := json.Unmarshal(value, &sub); err != nil {
		return nil, fmt.Errorf("reconcile: decode subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return nil, nil
	}
	return &sub, nil
}
