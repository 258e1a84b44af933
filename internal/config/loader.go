package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the agent configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot, then resolves the custom policy
// rules file so callers receive a fully hydrated configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.upstream.timeoutseconds":      "server.upstream.timeoutSeconds",
			"server.cache.redis.tls.cafile":       "server.cache.redis.tls.caFile",
			"server.precache.offlinepath":         "server.precache.offlinePath",
			"server.policy.rulesfile":             "server.policy.rulesFile",
			"server.policy.authpathprefixes":      "server.policy.authPathPrefixes",
			"server.policy.catalogpaths":          "server.policy.catalogPaths",
			"server.policy.storagepathprefix":     "server.policy.storagePathPrefix",
			"server.policy.apipathprefixes":       "server.policy.apiPathPrefixes",
			"server.policy.staticextensions":      "server.policy.staticExtensions",
			"server.policy.navigationfallback":    "server.policy.navigationFallback",
			"server.templates.templatesfolder":    "server.templates.templatesFolder",
			"server.templates.offlinetemplate":    "server.templates.offlineTemplate",
			"server.templates.allowenv":           "server.templates.allowEnv",
			"server.templates.allowedenv":         "server.templates.allowedEnv",
			"server.bridge.allowedorigins":        "server.bridge.allowedOrigins",
			"server.reconcile.intervalseconds":    "server.reconcile.intervalSeconds",
			"server.reconcile.apibase":            "server.reconcile.apiBase",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if path := strings.TrimSpace(cfg.Server.Policy.RulesFile); path != "" {
		rules, err := LoadPolicyRules(ctx, path)
		if err != nil {
			return Config{}, err
		}
		cfg.PolicyRules = rules
		cfg.PolicySource = path
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"upstream": map[string]any{
				"origin":         cfg.Server.Upstream.Origin,
				"timeoutSeconds": cfg.Server.Upstream.TimeoutSeconds,
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"generation": cfg.Server.Cache.Generation,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"precache": map[string]any{
				"manifest":    cfg.Server.Precache.Manifest,
				"offlinePath": cfg.Server.Precache.OfflinePath,
			},
			"policy": map[string]any{
				"rulesFile":          cfg.Server.Policy.RulesFile,
				"authPathPrefixes":   cfg.Server.Policy.AuthPathPrefixes,
				"catalogPaths":       cfg.Server.Policy.CatalogPaths,
				"storagePathPrefix":  cfg.Server.Policy.StoragePathPrefix,
				"apiPathPrefixes":    cfg.Server.Policy.APIPathPrefixes,
				"staticExtensions":   cfg.Server.Policy.StaticExtensions,
				"navigationFallback": cfg.Server.Policy.NavigationFallback,
			},
			"templates": map[string]any{
				"templatesFolder": cfg.Server.Templates.TemplatesFolder,
				"offlineTemplate": cfg.Server.Templates.OfflineTemplate,
				"allowEnv":        cfg.Server.Templates.AllowEnv,
				"allowedEnv":      cfg.Server.Templates.AllowedEnv,
			},
			"bridge": map[string]any{
				"allowedOrigins": cfg.Server.Bridge.AllowedOrigins,
			},
			"reconcile": map[string]any{
				"enabled":         cfg.Server.Reconcile.Enabled,
				"intervalSeconds": cfg.Server.Reconcile.IntervalSeconds,
				"apiBase":         cfg.Server.Reconcile.APIBase,
			},
		},
	}
}
