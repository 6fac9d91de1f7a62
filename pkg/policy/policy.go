// Package policy holds the YAML-defined governance policy: transition gates
// keyed on drift, drift→action mappings, and per-scope approval modes. The
// evaluator is pure — the governance pipeline calls into it with a loaded
// drift snapshot and commits the verdict elsewhere.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode is the approval mode for proposal admission.
type Mode string

const (
	// ModeYOLO admits autonomously under policy (with optional oversight).
	ModeYOLO Mode = "YOLO"
	// ModeMITL routes every passing proposal to a human.
	ModeMITL Mode = "MITL"
	// ModeMaster is the operator override: approve regardless of drift.
	ModeMaster Mode = "MASTER"
)

// DriftSnapshot is the drift state a transition is judged against.
type DriftSnapshot struct {
	Level string   `json:"level"`
	Types []string `json:"types"`
}

// TransitionRule blocks a (from, to) pair under listed drift levels.
type TransitionRule struct {
	From      string    `yaml:"from"`
	To        string    `yaml:"to"`
	BlockWhen BlockWhen `yaml:"block_when"`
	Reason    string    `yaml:"reason"`
}

type BlockWhen struct {
	DriftLevel []string `yaml:"drift_level"`
}

// Rule maps a drift condition to a planned action. Expr is an optional CEL
// predicate over {level, types} evaluated in addition to the static match.
type Rule struct {
	When   RuleWhen `yaml:"when"`
	Action string   `yaml:"action"`
	Expr   string   `yaml:"expr,omitempty"`
}

type RuleWhen struct {
	DriftLevel []string `yaml:"drift_level"`
	DriftType  string   `yaml:"drift_type"`
}

// ScopeOverride carries per-scope settings.
type ScopeOverride struct {
	Mode Mode `yaml:"mode"`
}

// Config is the parsed governance.yaml.
type Config struct {
	Mode            Mode                     `yaml:"mode"`
	Rules           []Rule                   `yaml:"rules"`
	TransitionRules []TransitionRule         `yaml:"transition_rules"`
	Scopes          map[string]ScopeOverride `yaml:"scopes"`
}

// Verdict is the outcome of a transition check.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Default returns the config used when no governance.yaml is present: YOLO
// mode, no gates.
func Default() *Config {
	return &Config{Mode: ModeYOLO}
}

// LoadFile parses governance.yaml.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a config document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeYOLO
	}
	return &cfg, nil
}

// CanTransition scans transition_rules in order; the first rule matching
// (from, to) whose block list includes the drift level blocks the move.
// No match means allowed.
func CanTransition(from, to string, drift DriftSnapshot, cfg *Config) Verdict {
	if cfg == nil {
		return Verdict{Allowed: true}
	}
	for _, rule := range cfg.TransitionRules {
		if rule.From != from || rule.To != to {
			continue
		}
		for _, level := range rule.BlockWhen.DriftLevel {
			if level == drift.Level {
				return Verdict{Allowed: false, Reason: rule.Reason}
			}
		}
	}
	return Verdict{Allowed: true}
}

// EvaluateRules collects every action whose rule matches the drift level and
// one of the drift types. Rules with a CEL expr additionally require it to.
func EvaluateRules(drift DriftSnapshot, cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	var actions []string
	for _, rule := range cfg.Rules {
		if !containsString(rule.When.DriftLevel, drift.Level) {
			continue
		}
		if rule.When.DriftType != "" && !containsString(drift.Types, rule.When.DriftType) {
			continue
		}
		if rule.Expr != "" {
			ok, err := evalExpr(rule.Expr, drift)
			if err != nil || !ok {
				continue
			}
		}
		actions = append(actions, rule.Action)
	}
	return actions
}

// ForScope returns the config with mode overridden for the scope when an
// override exists. The returned value is a shallow copy; rules are shared.
func ForScope(scopeID string, cfg *Config) *Config {
	if cfg == nil {
		return Default()
	}
	out := *cfg
	if override, ok := cfg.Scopes[scopeID]; ok && override.Mode != "" {
		out.Mode = override.Mode
	}
	return &out
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
