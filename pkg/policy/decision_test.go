package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasemirror/dissonance/pkg/rules"
)

func critical() rules.Violation {
	return rules.Violation{RuleID: "MD-001", Severity: rules.SeverityCritical, Kind: rules.KindReal}
}

func high() rules.Violation {
	return rules.Violation{RuleID: "MD-002", Severity: rules.SeverityHigh, Kind: rules.KindReal}
}

func evalError() rules.Violation {
	return rules.Violation{
		RuleID:   "MD-004",
		Severity: rules.SeverityCritical,
		Kind:     rules.KindEvaluationError,
		Phase:    rules.PhaseEvaluate,
	}
}

func TestMakeDecision_Allow(t *testing.T) {
	d := MakeDecision(Input{Mode: "pull_request"})
	assert.Equal(t, OutcomeAllow, d.Outcome)
	assert.Empty(t, d.Reasons)
}

func TestMakeDecision_CriticalBlocks(t *testing.T) {
	d := MakeDecision(Input{Violations: []rules.Violation{critical(), high()}})
	assert.Equal(t, OutcomeBlock, d.Outcome)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "1 critical violation(s)")
}

func TestMakeDecision_EvaluationErrorBlocksThroughEverything(t *testing.T) {
	// Dry run and a tripped breaker both lose to a rule that failed to run.
	d := MakeDecision(Input{
		Violations:            []rules.Violation{evalError(), critical()},
		DryRun:                true,
		CircuitBreakerTripped: true,
	})
	assert.Equal(t, OutcomeBlock, d.Outcome)
	require.NotEmpty(t, d.Reasons)
	assert.Contains(t, d.Reasons[0], "rule evaluation error(s): failing closed")
	assert.Contains(t, d.Reasons[1], "critical violation(s)")
}

func TestMakeDecision_DryRunRecordsWouldHave(t *testing.T) {
	d := MakeDecision(Input{Violations: []rules.Violation{critical()}, DryRun: true})
	assert.Equal(t, OutcomeAllow, d.Outcome)
	require.Len(t, d.Reasons, 2)
	assert.Equal(t, "dry run: no enforcement", d.Reasons[0])
	assert.Contains(t, d.Reasons[1], "would have been block")
}

func TestMakeDecision_BreakerDegradesCriticalToWarn(t *testing.T) {
	d := MakeDecision(Input{
		Violations:            []rules.Violation{critical()},
		CircuitBreakerTripped: true,
	})
	assert.Equal(t, OutcomeWarn, d.Outcome)
	require.Len(t, d.Reasons, 2)
	assert.Contains(t, d.Reasons[0], "critical violation(s)")
	assert.Equal(t, "circuit breaker tripped (degraded)", d.Reasons[1])
}

func TestMakeDecision_StrictBlocksHighMedium(t *testing.T) {
	d := MakeDecision(Input{Violations: []rules.Violation{high()}, Strict: true})
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Contains(t, d.Reasons[0], "strict mode")

	d = MakeDecision(Input{Violations: []rules.Violation{high()}})
	assert.Equal(t, OutcomeWarn, d.Outcome)
}

func TestMakeDecision_LowSeverityAllowsWithReason(t *testing.T) {
	d := MakeDecision(Input{Violations: []rules.Violation{
		{RuleID: "MD-003", Severity: rules.SeverityLow, Kind: rules.KindReal},
	}})
	assert.Equal(t, OutcomeAllow, d.Outcome)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "low-severity")
}

func TestMakeDecision_Metadata(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := MakeDecision(Input{
		Mode:           "merge_group",
		RulesEvaluated: []string{"MD-001", "MD-002"},
		Now:            now,
	})
	assert.Equal(t, now, d.Metadata.Timestamp)
	assert.Equal(t, "merge_group", d.Metadata.Mode)
	assert.Equal(t, []string{"MD-001", "MD-002"}, d.Metadata.RulesEvaluated)
}
