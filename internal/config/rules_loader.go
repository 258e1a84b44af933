package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/plankcoach/plankagent/internal/expr"
)

// policyDocument is the shape of a custom rules file.
type policyDocument struct {
	Rules []PolicyRuleConfig `koanf:"rules"`
}

// validStrategies mirrors the strategy names the policy package accepts. The
// list lives here so the loader can reject bad documents without importing
// the policy package.
var validStrategies = map[string]struct{}{
	"network-only":           {},
	"network-first":          {},
	"cache-first":            {},
	"stale-while-revalidate": {},
	"passthrough":            {},
}

// LoadPolicyRules parses the custom rules document at path. The parser is
// chosen by file extension; yaml, json, and toml documents are accepted.
// Every rule's CEL predicate is compiled once here so a malformed file is
// rejected at load time rather than per request.
func LoadPolicyRules(ctx context.Context, path string) ([]PolicyRuleConfig, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: policy rules file %s: %w", path, err)
	}

	parser, err := parserForPath(path)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load policy rules %s: %w", path, err)
	}

	var doc policyDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal policy rules %s: %w", path, err)
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(doc.Rules))
	for i, rule := range doc.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("config: policy rule %d in %s has no name", i, path)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("config: duplicate policy rule %q in %s", name, path)
		}
		seen[name] = struct{}{}

		strategy := strings.ToLower(strings.TrimSpace(rule.Strategy))
		if _, ok := validStrategies[strategy]; !ok {
			return nil, fmt.Errorf("config: policy rule %q has unknown strategy %q", name, rule.Strategy)
		}
		doc.Rules[i].Strategy = strategy

		if when := strings.TrimSpace(rule.When); when != "" {
			if _, err := env.Compile(when); err != nil {
				return nil, fmt.Errorf("config: policy rule %q: %w", name, err)
			}
		}
	}
	return doc.Rules, nil
}

func parserForPath(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported policy rules format %q", filepath.Ext(path))
	}
}
