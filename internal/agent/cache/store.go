package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// Entry is one captured response: status, headers, body, and when it was
// stored. Entries are overwritten on each successful refetch and destroyed
// en masse when their generation is evicted.
type Entry struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	StoredAt time.Time         `json:"storedAt"`
}

// Key identifies a cached request by its full request identity.
type Key struct {
	Method string
	URL    string
	Accept string
}

// KeyFor derives the cache key from an intercepted request. The Accept
// header participates so HTML and JSON renderings of the same URL do not
// collide.
func KeyFor(r *http.Request) Key {
	return Key{
		Method: strings.ToUpper(r.Method),
		URL:    r.URL.String(),
		Accept: r.Header.Get("Accept"),
	}
}

// Hash renders the key as a fixed-length token safe for use in any backend
// namespace.
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.Method + " " + k.URL + " " + k.Accept))
	return hex.EncodeToString(sum[:])
}

// Store is a named, versioned container of request/response pairs. All
// operations are context-bound; storage-quota and I/O failures surface as
// errors which callers treat as a cache miss rather than fatal.
type Store interface {
	Match(ctx context.Context, generation string, key Key) (Entry, bool, error)
	Put(ctx context.Context, generation string, key Key, entry Entry) error
	DeleteGeneration(ctx context.Context, generation string) error
	ListGenerations(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

// Generation is a handle onto one named generation of the store, the unit
// the lifecycle manager installs into and evicts.
type Generation struct {
	store Store
	name  string
}

// Open binds a generation name to the backing store. Opening does not
// allocate anything in the backend; generations exist once they hold an
// entry.
func Open(store Store, name string) Generation {
	return Generation{store: store, name: name}
}

// Name returns the generation label.
func (g Generation) Name() string { return g.name }

// Match looks up a captured response in this generation.
func (g Generation) Match(ctx context.Context, key Key) (Entry, bool, error) {
	return g.store.Match(ctx, g.name, key)
}

// Put captures a response in this generation, overwriting any previous
// capture for the same key.
func (g Generation) Put(ctx context.Context, key Key, entry Entry) error {
	return g.store.Put(ctx, g.name, key, entry)
}
