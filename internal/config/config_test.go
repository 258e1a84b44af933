package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadRequiresUpstreamOrigin(t *testing.T) {
	loader := NewLoader("PLANKAGENT")
	_, err := loader.Load(context.Background())
	require.Error(t, err, "defaults carry no origin, so validation must fail")
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agent.yaml", `
server:
  listen:
    port: 9090
  upstream:
    origin: https://app.plankcoach.app
  cache:
    generation: plank-coach-v3
`)

	cfg, err := NewLoader("PLANKAGENT", path).Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Listen.Port)
	require.Equal(t, "https://app.plankcoach.app", cfg.Server.Upstream.Origin)
	require.Equal(t, "plank-coach-v3", cfg.Server.Cache.Generation)
	// Untouched knobs keep their defaults.
	require.Equal(t, "/offline.html", cfg.Server.Precache.OfflinePath)
	require.Contains(t, cfg.Server.Precache.Manifest, "/offline.html")
	require.True(t, cfg.Server.Reconcile.Enabled)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agent.yaml", `
server:
  listen:
    port: 9090
  upstream:
    origin: https://app.plankcoach.app
`)

	t.Setenv("PLANKAGENT_SERVER__LISTEN__PORT", "7070")
	t.Setenv("PLANKAGENT_SERVER__PRECACHE__OFFLINEPATH", "/fallback.html")

	cfg, err := NewLoader("PLANKAGENT", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Listen.Port)
	require.Equal(t, "/fallback.html", cfg.Server.Precache.OfflinePath)
}

func TestLoadMissingFileFails(t *testing.T) {
	loader := NewLoader("PLANKAGENT", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := loader.Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestValidateRejectsBadKnobs(t *testing.T) {
	base := DefaultConfig()
	base.Server.Upstream.Origin = "https://app.plankcoach.app"
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Listen.Port = 0 }},
		{"relative origin", func(c *Config) { c.Server.Upstream.Origin = "/not-absolute" }},
		{"empty generation", func(c *Config) { c.Server.Cache.Generation = " " }},
		{"unknown backend", func(c *Config) { c.Server.Cache.Backend = "carrier-pigeon" }},
		{"missing offline path", func(c *Config) { c.Server.Precache.OfflinePath = "" }},
		{"non-positive interval", func(c *Config) { c.Server.Reconcile.IntervalSeconds = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

const rulesYAML = `
rules:
  - name: fonts
    pathPrefixes: ["/fonts/"]
    strategy: cache-first
  - name: json-reads
    methods: ["GET"]
    when: 'request.hasAuthHeader == false'
    strategy: network-first
    store: true
`

func TestLoadPolicyRulesFromYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rules.yaml", rulesYAML)

	rules, err := LoadPolicyRules(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "fonts", rules[0].Name)
	require.Equal(t, "cache-first", rules[0].Strategy)
	require.Equal(t, []string{"/fonts/"}, rules[0].PathPrefixes)
	require.NotNil(t, rules[1].Store)
	require.True(t, *rules[1].Store)
}

func TestLoadPolicyRulesFromJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rules.json",
		`{"rules":[{"name":"icons","pathPrefixes":["/icons/"],"strategy":"stale-while-revalidate"}]}`)

	rules, err := LoadPolicyRules(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "stale-while-revalidate", rules[0].Strategy)
}

func TestLoadPolicyRulesRejectsBadDocuments(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name, file, contents string
	}{
		{"unknown strategy", "bad-strategy.yaml", "rules:\n  - name: r1\n    strategy: refresh-everything\n"},
		{"missing name", "no-name.yaml", "rules:\n  - strategy: cache-first\n"},
		{"duplicate name", "dup.yaml", "rules:\n  - name: r1\n    strategy: cache-first\n  - name: r1\n    strategy: network-first\n"},
		{"bad predicate", "bad-cel.yaml", "rules:\n  - name: r1\n    strategy: cache-first\n    when: 'request.path =='\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, tc.file, tc.contents)
			_, err := LoadPolicyRules(context.Background(), path)
			require.Error(t, err)
		})
	}
}

func TestLoadPolicyRulesRejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rules.ini", "[rules]")
	_, err := LoadPolicyRules(context.Background(), path)
	require.Error(t, err)
}

func TestLoadResolvesRulesFile(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", rulesYAML)
	cfgPath := writeFile(t, dir, "agent.yaml", `
server:
  upstream:
    origin: https://app.plankcoach.app
  policy:
    rulesFile: `+rulesPath+`
`)

	cfg, err := NewLoader("PLANKAGENT", cfgPath).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, cfg.PolicyRules, 2)
	require.Equal(t, rulesPath, cfg.PolicySource)
}

func TestWatchPolicyReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", rulesYAML)

	cfg := DefaultConfig()
	cfg.Server.Policy.RulesFile = rulesPath

	var mu sync.Mutex
	var snapshots [][]PolicyRuleConfig
	onChange := func(rules []PolicyRuleConfig) {
		mu.Lock()
		snapshots = append(snapshots, rules)
		mu.Unlock()
	}

	watcher, err := NewLoader("PLANKAGENT").WatchPolicy(context.Background(), cfg, onChange, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	// The initial load fires synchronously.
	mu.Lock()
	require.Len(t, snapshots, 1)
	require.Len(t, snapshots[0], 2)
	mu.Unlock()

	writeFile(t, dir, "rules.yaml", "rules:\n  - name: only-one\n    strategy: passthrough\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(snapshots)
		var last []PolicyRuleConfig
		if n > 0 {
			last = snapshots[n-1]
		}
		mu.Unlock()
		if n > 1 && len(last) == 1 && last[0].Name == "only-one" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("rules file change never reached the callback")
}

func TestWatchPolicyRequiresCallbackAndFile(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewLoader("PLANKAGENT").WatchPolicy(context.Background(), cfg, func([]PolicyRuleConfig) {}, nil)
	require.Error(t, err, "no rules file configured")

	cfg.Server.Policy.RulesFile = "somewhere.yaml"
	_, err = NewLoader("PLANKAGENT").WatchPolicy(context.Background(), cfg, nil, nil)
	require.Error(t, err, "change callback required")
}
