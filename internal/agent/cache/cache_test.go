package cache

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestKeyForIncludesMethodURLAndAccept(t *testing.T) {
	html := httptest.NewRequest("GET", "https://app.plankcoach.app/dashboard", nil)
	html.Header.Set("Accept", "text/html")
	json := httptest.NewRequest("GET", "https://app.plankcoach.app/dashboard", nil)
	json.Header.Set("Accept", "application/json")

	if KeyFor(html).Hash() == KeyFor(json).Hash() {
		t.Fatalf("expected accept header to separate cache keys")
	}

	head := httptest.NewRequest("HEAD", "https://app.plankcoach.app/dashboard", nil)
	head.Header.Set("Accept", "text/html")
	if KeyFor(html).Hash() == KeyFor(head).Hash() {
		t.Fatalf("expected method to separate cache keys")
	}
}

func TestMemoryStorePutMatch(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	key := Key{Method: "GET", URL: "https://app.plankcoach.app/index.html"}

	entry := Entry{
		Status:  200,
		Headers: map[string]string{"Content-Type": "text/html"},
		Body:    []byte("<html>ok</html>"),
	}
	if err := store.Put(ctx, "plank-coach-v2", key, entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.Match(ctx, "plank-coach-v2", key)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got.Status != 200 || string(got.Body) != "<html>ok</html>" {
		t.Fatalf("unexpected entry: %#v", got)
	}
	if got.StoredAt.IsZero() {
		t.Fatalf("expected storedAt to be stamped")
	}

	// Mutating the returned entry must not leak into the store.
	got.Body[0] = 'X'
	again, _, err := store.Match(ctx, "plank-coach-v2", key)
	if err != nil {
		t.Fatalf("match again: %v", err)
	}
	if string(again.Body) != "<html>ok</html>" {
		t.Fatalf("expected stored body to be isolated from callers")
	}

	_, ok, err = store.Match(ctx, "plank-coach-v1", key)
	if err != nil {
		t.Fatalf("match other generation: %v", err)
	}
	if ok {
		t.Fatalf("expected miss in a different generation")
	}
}

func TestMemoryStoreGenerationLifecycle(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	key := Key{Method: "GET", URL: "https://app.plankcoach.app/"}

	for _, generation := range []string{"plank-coach-v1", "plank-coach-v2"} {
		if err := store.Put(ctx, generation, key, Entry{Status: 200}); err != nil {
			t.Fatalf("put %s: %v", generation, err)
		}
	}

	names, err := store.ListGenerations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "plank-coach-v1" || names[1] != "plank-coach-v2" {
		t.Fatalf("unexpected generations: %v", names)
	}

	if err := store.DeleteGeneration(ctx, "plank-coach-v1"); err != nil {
		t.Fatalf("delete generation: %v", err)
	}
	names, err = store.ListGenerations(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(names) != 1 || names[0] != "plank-coach-v2" {
		t.Fatalf("expected only current generation, got %v", names)
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestGenerationHandle(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	generation := Open(store, "plank-coach-v2")

	if generation.Name() != "plank-coach-v2" {
		t.Fatalf("unexpected generation name %q", generation.Name())
	}

	key := Key{Method: "GET", URL: "https://app.plankcoach.app/offline.html"}
	if err := generation.Put(ctx, key, Entry{Status: 200, Body: []byte("offline")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, ok, err := generation.Match(ctx, key)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok || string(entry.Body) != "offline" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
}

func TestRedisStorePutMatchAndEvict(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()

	key := Key{Method: "GET", URL: "https://app.plankcoach.app/icons/icon-192x192.png"}
	entry := Entry{
		Status:   200,
		Headers:  map[string]string{"Content-Type": "image/png"},
		Body:     []byte{0x89, 0x50, 0x4e, 0x47},
		StoredAt: time.Now().UTC(),
	}
	if err := store.Put(ctx, "plank-coach-v2", key, entry); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "plank-coach-v1", key, entry); err != nil {
		t.Fatalf("put old generation: %v", err)
	}

	got, ok, err := store.Match(ctx, "plank-coach-v2", key)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok || got.Status != 200 || got.Headers["Content-Type"] != "image/png" {
		t.Fatalf("unexpected entry: %#v", got)
	}

	names, err := store.ListGenerations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 generations, got %v", names)
	}

	if err := store.DeleteGeneration(ctx, "plank-coach-v1"); err != nil {
		t.Fatalf("delete generation: %v", err)
	}
	_, ok, err = store.Match(ctx, "plank-coach-v1", key)
	if err != nil {
		t.Fatalf("match evicted: %v", err)
	}
	if ok {
		t.Fatalf("expected evicted generation to miss")
	}
	names, err = store.ListGenerations(ctx)
	if err != nil {
		t.Fatalf("list after evict: %v", err)
	}
	if len(names) != 1 || names[0] != "plank-coach-v2" {
		t.Fatalf("expected only current generation, got %v", names)
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}
