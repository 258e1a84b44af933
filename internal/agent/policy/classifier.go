// Package policy classifies intercepted requests into cache strategies and
// executes those strategies against the cache store and the upstream origin.
package policy

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/plankcoach/plankagent/internal/config"
	"github.com/plankcoach/plankagent/internal/expr"
)

// Strategy names how a request is served relative to cache and network.
type Strategy string

const (
	StrategyNetworkOnly          Strategy = "network-only"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyPassthrough          Strategy = "passthrough"
)

// Decision is the outcome of classifying one request.
type Decision struct {
	// Rule names the matching rule, for logs and metrics.
	Rule     string
	Strategy Strategy
	// Store controls whether successful network responses are written to
	// the cache. It is always false for requests the auth guard catches.
	Store bool
	// OfflineFallback serves the precached offline page when the network
	// fails and no cached response exists.
	OfflineFallback bool
}

type compiledRule struct {
	name         string
	methods      map[string]struct{}
	hosts        map[string]struct{}
	pathPrefixes []string
	when         *expr.Program
	decision     Decision
}

// Classifier evaluates the built-in rule chain plus operator-defined rules.
// Operator rules run after the auth guard but before the built-ins, so they
// can reshape everything except credential handling.
type Classifier struct {
	logger *slog.Logger
	cfg    config.PolicyConfig
	env    *expr.Environment

	mu     sync.RWMutex
	custom []compiledRule
}

func NewClassifier(logger *slog.Logger, cfg config.PolicyConfig, rules []config.PolicyRuleConfig) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	c := &Classifier{
		logger: logger.With(slog.String("component", "policy")),
		cfg:    cfg,
		env:    env,
	}
	if err := c.SetRules(rules); err != nil {
		return nil, err
	}
	return c, nil
}

// SetRules replaces the operator rule chain. Called at startup and on every
// rules-file reload; a compile failure leaves the previous chain in place.
func (c *Classifier) SetRules(rules []config.PolicyRuleConfig) error {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledRule{
			name:         rule.Name,
			pathPrefixes: rule.PathPrefixes,
			decision: Decision{
				Rule:            rule.Name,
				Strategy:        Strategy(rule.Strategy),
				Store:           storeDefault(Strategy(rule.Strategy), rule.Store),
				OfflineFallback: rule.OfflineFallback,
			},
		}
		if len(rule.Methods) > 0 {
			cr.methods = make(map[string]struct{}, len(rule.Methods))
			for _, m := range rule.Methods {
				cr.methods[strings.ToUpper(m)] = struct{}{}
			}
		}
		if len(rule.Hosts) > 0 {
			cr.hosts = make(map[string]struct{}, len(rule.Hosts))
			for _, h := range rule.Hosts {
				cr.hosts[strings.ToLower(h)] = struct{}{}
			}
		}
		if rule.When != "" {
			program, err := c.env.Compile(rule.When)
			if err != nil {
				return fmt.Errorf("policy: rule %q: %w", rule.Name, err)
			}
			cr.when = &program
		}
		compiled = append(compiled, cr)
	}

	c.mu.Lock()
	c.custom = compiled
	c.mu.Unlock()
	return nil
}

func storeDefault(strategy Strategy, explicit *bool) bool {
	if explicit != nil {
		return *explicit
	}
	switch strategy {
	case StrategyCacheFirst, StrategyStaleWhileRevalidate:
		return true
	default:
		return false
	}
}

// Classify maps a request to a serving decision. The auth guard runs first
// and unconditionally: anything carrying an Authorization header or living
// under an auth path is network-only and never stored, no matter what any
// later rule says.
func (c *Classifier) Classify(r *http.Request) Decision {
	if c.isAuthScoped(r) {
		return Decision{Rule: "auth-guard", Strategy: StrategyNetworkOnly, Store: false}
	}

	if decision, ok := c.matchCustom(r); ok {
		return decision
	}

	path := r.URL.Path
	switch {
	case isNavigation(r):
		return Decision{
			Rule:            "navigation",
			Strategy:        StrategyNetworkOnly,
			OfflineFallback: c.cfg.NavigationFallback,
		}
	case r.Method == http.MethodGet && containsPath(c.cfg.CatalogPaths, path):
		return Decision{Rule: "catalog", Strategy: StrategyNetworkFirst, Store: true}
	case r.Method == http.MethodGet && c.cfg.StoragePathPrefix != "" && strings.HasPrefix(path, c.cfg.StoragePathPrefix):
		return Decision{Rule: "storage-object", Strategy: StrategyCacheFirst, Store: true}
	case r.Method == http.MethodGet && hasPrefix(c.cfg.APIPathPrefixes, path):
		return Decision{Rule: "api-read", Strategy: StrategyNetworkFirst, Store: false}
	case r.Method == http.MethodGet && hasStaticExtension(c.cfg.StaticExtensions, path):
		return Decision{Rule: "static-asset", Strategy: StrategyCacheFirst, Store: true}
	default:
		return Decision{Rule: "default", Strategy: StrategyPassthrough}
	}
}

func (c *Classifier) isAuthScoped(r *http.Request) bool {
	if r.Header.Get("Authorization") != "" {
		return true
	}
	return hasPrefix(c.cfg.AuthPathPrefixes, r.URL.Path)
}

func (c *Classifier) matchCustom(r *http.Request) (Decision, bool) {
	c.mu.RLock()
	rules := c.custom
	c.mu.RUnlock()

	for _, rule := range rules {
		if rule.methods != nil {
			if _, ok := rule.methods[r.Method]; !ok {
				continue
			}
		}
		if rule.hosts != nil {
			if _, ok := rule.hosts[strings.ToLower(r.Host)]; !ok {
				continue
			}
		}
		if len(rule.pathPrefixes) > 0 && !hasPrefix(rule.pathPrefixes, r.URL.Path) {
			continue
		}
		if rule.when != nil {
			match, err := rule.when.EvalBool(requestVars(r))
			if err != nil {
				c.logger.Warn("rule predicate failed, skipping rule",
					slog.String("rule", rule.name),
					slog.Any("error", err),
				)
				continue
			}
			if !match {
				continue
			}
		}
		return rule.decision, true
	}
	return Decision{}, false
}

func requestVars(r *http.Request) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}
	return map[string]any{
		"request": map[string]any{
			"method":        r.Method,
			"host":          r.Host,
			"path":          r.URL.Path,
			"query":         r.URL.RawQuery,
			"headers":       headers,
			"hasAuthHeader": r.Header.Get("Authorization") != "",
		},
		"now": time.Now(),
	}
}

// isNavigation detects top-level page loads. The interception surface sets
// Sec-Fetch-Mode on modern platforms; the Accept fallback covers the rest.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func hasPrefix(prefixes []string, path string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func containsPath(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

func hasStaticExtension(extensions []string, path string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
