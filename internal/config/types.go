package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every server-level option plus the policy rules once the
// loader resolves the configured sources.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// PolicyRules carries the custom rules loaded from the configured rules
	// file. It is excluded from koanf because the rules document has its own
	// loader with per-format parsing and CEL validation.
	PolicyRules []PolicyRuleConfig `koanf:"-"`
	// PolicySource records which file contributed the custom rules.
	PolicySource string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the agent lifecycle.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Cache     CacheConfig     `koanf:"cache"`
	Precache  PrecacheConfig  `koanf:"precache"`
	Policy    PolicyConfig    `koanf:"policy"`
	Templates TemplatesConfig `koanf:"templates"`
	Bridge    BridgeConfig    `koanf:"bridge"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// UpstreamConfig points the agent at the hosted backend origin it fronts.
type UpstreamConfig struct {
	Origin         string `koanf:"origin"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// CacheConfig selects the cache store backend and the current generation
// label. Exactly one generation is current; activation evicts the rest.
type CacheConfig struct {
	Backend    string           `koanf:"backend"`
	Generation string           `koanf:"generation"`
	Redis      RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PrecacheConfig lists the essential resources installed into the current
// generation before the agent activates. Install fails if any entry cannot
// be fetched and stored.
type PrecacheConfig struct {
	Manifest    []string `koanf:"manifest"`
	OfflinePath string   `koanf:"offlinePath"`
}

// PolicyConfig shapes the built-in rule chain and names the optional custom
// rules file.
type PolicyConfig struct {
	RulesFile          string   `koanf:"rulesFile"`
	AuthPathPrefixes   []string `koanf:"authPathPrefixes"`
	CatalogPaths       []string `koanf:"catalogPaths"`
	StoragePathPrefix  string   `koanf:"storagePathPrefix"`
	APIPathPrefixes    []string `koanf:"apiPathPrefixes"`
	StaticExtensions   []string `koanf:"staticExtensions"`
	NavigationFallback bool     `koanf:"navigationFallback"`
}

// TemplatesConfig captures the template sandbox root and the offline page
// template rendered at install time.
type TemplatesConfig struct {
	TemplatesFolder string   `koanf:"templatesFolder"`
	OfflineTemplate string   `koanf:"offlineTemplate"`
	AllowEnv        bool     `koanf:"allowEnv"`
	AllowedEnv      []string `koanf:"allowedEnv"`
}

// BridgeConfig controls the page-client websocket endpoint.
type BridgeConfig struct {
	AllowedOrigins []string `koanf:"allowedOrigins"`
}

// ReconcileConfig drives the periodic subscription reconciler.
type ReconcileConfig struct {
	Enabled         bool   `koanf:"enabled"`
	IntervalSeconds int    `koanf:"intervalSeconds"`
	APIBase         string `koanf:"apiBase"`
}

// PolicyRuleConfig is one custom cache policy rule from the rules file.
// Custom rules are evaluated before the built-in chain, first match wins.
type PolicyRuleConfig struct {
	Name         string   `koanf:"name"`
	Description  string   `koanf:"description"`
	Methods      []string `koanf:"methods"`
	Hosts        []string `koanf:"hosts"`
	PathPrefixes []string `koanf:"pathPrefixes"`
	// When holds an optional CEL predicate over the request snapshot. An
	// empty expression means the structural matchers alone decide.
	When     string `koanf:"when"`
	Strategy string `koanf:"strategy"`
	// Store controls whether successful network responses are written back
	// to the cache store. Ignored for network-only and passthrough.
	Store *bool `koanf:"store"`
	// OfflineFallback serves the cached offline page when the network path
	// fails and no cached response exists.
	OfflineFallback bool `koanf:"offlineFallback"`
}

// DefaultConfig returns the baseline the loader layers files and env over.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Upstream: UpstreamConfig{
				TimeoutSeconds: 15,
			},
			Cache: CacheConfig{
				Backend:    "memory",
				Generation: "plank-coach-v2",
			},
			Precache: PrecacheConfig{
				Manifest: []string{
					"/",
					"/index.html",
					"/offline.html",
					"/icons/icon-192x192.png",
					"/icons/icon-512x512.png",
				},
				OfflinePath: "/offline.html",
			},
			Policy: PolicyConfig{
				AuthPathPrefixes:   []string{"/auth/v1"},
				CatalogPaths:       []string{"/rest/v1/exercises"},
				StoragePathPrefix:  "/storage/v1/object/public",
				APIPathPrefixes:    []string{"/rest/v1", "/functions/v1"},
				StaticExtensions:   []string{".js", ".css", ".png", ".jpg", ".jpeg", ".svg", ".webp", ".woff2", ".ico"},
				NavigationFallback: true,
			},
			Reconcile: ReconcileConfig{
				Enabled:         true,
				IntervalSeconds: 900,
			},
		},
	}
}

// Validate checks the knobs the agent cannot repair at runtime.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Server.Upstream.Origin) == "" {
		return errors.New("config: upstream origin required")
	}
	origin, err := url.Parse(c.Server.Upstream.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("config: upstream origin %q is not an absolute URL", c.Server.Upstream.Origin)
	}
	if strings.TrimSpace(c.Server.Cache.Generation) == "" {
		return errors.New("config: cache generation label required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.Cache.Backend)) {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Server.Cache.Backend)
	}
	if c.Server.Precache.OfflinePath == "" {
		return errors.New("config: precache offline path required")
	}
	if c.Server.Reconcile.Enabled && c.Server.Reconcile.IntervalSeconds <= 0 {
		return fmt.Errorf("config: reconcile interval %d must be positive", c.Server.Reconcile.IntervalSeconds)
	}
	return nil
}
