package clients

import (
	"context"

	"github.com/plankcoach/plankagent/internal/agent/bridge"
)

// Client is one open foreground page under the agent's control.
type Client interface {
	// ID is unique for the lifetime of the connection.
	ID() string
	// URL is the page's current location as last reported by the page.
	URL() string
	// Focus asks the page to bring itself to the foreground. Focusing does
	// not change the page's location; callers that need a different URL
	// must post a navigate command afterwards.
	Focus(ctx context.Context) error
	// Post delivers a protocol message to the page.
	Post(ctx context.Context, msg bridge.Message) error
}

// Registry enumerates and controls the set of open pages.
type Registry interface {
	// List returns the connected clients in connection order.
	List(ctx context.Context) []Client
	// OpenWindow asks the platform to open a new page at url.
	OpenWindow(ctx context.Context, url string) error
	// Claim places every connected page under the current agent instance,
	// labeled with the newly activated cache generation.
	Claim(ctx context.Context, generation string) error
}
