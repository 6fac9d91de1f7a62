package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
mode: YOLO
transition_rules:
  - from: DriftChecked
    to: ContextIngested
    block_when:
      drift_level: [critical, high]
    reason: critical_drift_blocks_restart
rules:
  - when:
      drift_level: [medium, high, critical]
      drift_type: scope_creep
    action: replan
  - when:
      drift_level: [critical]
    action: summarize_status
    expr: 'level == "critical" && "deadline_slip" in types'
scopes:
  s-regulated:
    mode: MITL
`

func TestParseConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, ModeYOLO, cfg.Mode)
	require.Len(t, cfg.TransitionRules, 1)
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, ModeMITL, cfg.Scopes["s-regulated"].Mode)
}

func TestParseDefaultsModeToYOLO(t *testing.T) {
	cfg, err := Parse([]byte(`rules: []`))
	require.NoError(t, err)
	assert.Equal(t, ModeYOLO, cfg.Mode)
}

func TestCanTransitionBlocksListedLevels(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	v := CanTransition("DriftChecked", "ContextIngested", DriftSnapshot{Level: "critical"}, cfg)
	assert.False(t, v.Allowed)
	assert.Equal(t, "critical_drift_blocks_restart", v.Reason)

	v = CanTransition("DriftChecked", "ContextIngested", DriftSnapshot{Level: "low"}, cfg)
	assert.True(t, v.Allowed)

	// Pairs without a rule are always allowed.
	v = CanTransition("ContextIngested", "FactsExtracted", DriftSnapshot{Level: "critical"}, cfg)
	assert.True(t, v.Allowed)

	assert.True(t, CanTransition("a", "b", DriftSnapshot{}, nil).Allowed)
}

func TestEvaluateRules(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	actions := EvaluateRules(DriftSnapshot{Level: "high", Types: []string{"scope_creep"}}, cfg)
	assert.Equal(t, []string{"replan"}, actions)

	// The CEL expr requires deadline_slip to also be present.
	actions = EvaluateRules(DriftSnapshot{Level: "critical", Types: []string{"scope_creep"}}, cfg)
	assert.Equal(t, []string{"replan"}, actions)

	actions = EvaluateRules(DriftSnapshot{
		Level: "critical", Types: []string{"scope_creep", "deadline_slip"},
	}, cfg)
	assert.Equal(t, []string{"replan", "summarize_status"}, actions)

	assert.Empty(t, EvaluateRules(DriftSnapshot{Level: "none"}, cfg))
}

func TestForScopeOverridesMode(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	scoped := ForScope("s-regulated", cfg)
	assert.Equal(t, ModeMITL, scoped.Mode)
	assert.Equal(t, ModeYOLO, cfg.Mode, "original config untouched")

	assert.Equal(t, ModeYOLO, ForScope("other", cfg).Mode)
	assert.Equal(t, ModeYOLO, ForScope("any", nil).Mode)
}
