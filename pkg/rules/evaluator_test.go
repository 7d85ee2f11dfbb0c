package rules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

func staticRule(id string, violations ...Violation) Checker {
	return CheckerFunc{
		RuleID:      id,
		RuleVersion: "1.0.0",
		Fn: func(context.Context, Input) ([]Violation, error) {
			return violations, nil
		},
	}
}

func failingRule(id string, err error) Checker {
	return CheckerFunc{
		RuleID:      id,
		RuleVersion: "1.0.0",
		Fn: func(context.Context, Input) ([]Violation, error) {
			return nil, err
		},
	}
}

func TestEvaluateAll_CollectsInRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(staticRule("MD-001", Violation{RuleID: "MD-001", Severity: SeverityHigh, Message: "a"})))
	require.NoError(t, reg.Register(staticRule("MD-002")))
	require.NoError(t, reg.Register(staticRule("MD-003", Violation{RuleID: "MD-003", Severity: SeverityLow, Message: "c"})))

	res := NewEvaluator(reg).EvaluateAll(context.Background(), Input{Mode: "pull_request"})
	assert.Equal(t, 3, res.RulesEvaluated)
	assert.Zero(t, res.RulesErrored)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "MD-001", res.Violations[0].RuleID)
	assert.Equal(t, "MD-003", res.Violations[1].RuleID)
}

func TestEvaluateAll_FailureIsolation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(failingRule("MD-004", errors.New("regex timeout"))))
	require.NoError(t, reg.Register(staticRule("MD-001", Violation{RuleID: "MD-001", Severity: SeverityHigh})))
	require.NoError(t, reg.Register(CheckerFunc{
		RuleID: "MD-005", RuleVersion: "2.0.0",
		Fn: func(context.Context, Input) ([]Violation, error) { panic("boom") },
	}))

	res := NewEvaluator(reg).EvaluateAll(context.Background(), Input{})

	assert.Equal(t, 1, res.RulesEvaluated)
	assert.Equal(t, 2, res.RulesErrored)
	assert.Equal(t, reg.Len(), res.RulesEvaluated+res.RulesErrored)
	require.Len(t, res.Errors, 2)
	require.Len(t, res.Violations, 3)

	// Exactly one synthetic critical violation per failed rule, in
	// registration order around the surviving rule's finding.
	synth := res.Violations[0]
	assert.Equal(t, "MD-004", synth.RuleID)
	assert.Equal(t, SeverityCritical, synth.Severity)
	assert.True(t, synth.IsEvaluationError())
	assert.Equal(t, PhaseEvaluate, synth.Phase)

	assert.Equal(t, "MD-001", res.Violations[1].RuleID)
	assert.False(t, res.Violations[1].IsEvaluationError())

	assert.Equal(t, "MD-005", res.Violations[2].RuleID)
	assert.True(t, res.Violations[2].IsEvaluationError())
}

func TestEvaluateAll_TypedPhasePreserved(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(failingRule("MD-010", &EvaluationError{
		RuleID: "MD-010", RuleVersion: "1.0.0", Phase: PhaseEvidence, Cause: errors.New("artifact fetch"),
	})))

	res := NewEvaluator(reg).EvaluateAll(context.Background(), Input{})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, PhaseEvidence, res.Errors[0].Phase)
	assert.Equal(t, PhaseEvidence, res.Violations[0].Phase)
}

func TestEvaluateAll_Timeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(CheckerFunc{
		RuleID: "MD-011", RuleVersion: "1.0.0",
		Fn: func(ctx context.Context, _ Input) ([]Violation, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	require.NoError(t, reg.Register(staticRule("MD-001")))

	res := NewEvaluator(reg, WithRuleTimeout(20*time.Millisecond)).EvaluateAll(context.Background(), Input{})
	assert.Equal(t, 1, res.RulesEvaluated)
	require.Equal(t, 1, res.RulesErrored)
	assert.Equal(t, PhaseEvaluate, res.Errors[0].Phase)
	assert.ErrorIs(t, res.Errors[0].Cause, context.DeadlineExceeded)
}

func TestViolation_WireShape(t *testing.T) {
	v := syntheticViolation(&EvaluationError{
		RuleID: "MD-004", RuleVersion: "1.0.0", Phase: PhaseEvaluate, Cause: errors.New("regex timeout"),
	})
	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var decoded struct {
		RuleID   string `json:"ruleId"`
		Severity string `json:"severity"`
		Context  struct {
			IsEvaluationError bool   `json:"isEvaluationError"`
			Phase             string `json:"phase"`
		} `json:"context"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "MD-004", decoded.RuleID)
	assert.Equal(t, "critical", decoded.Severity)
	assert.True(t, decoded.Context.IsEvaluationError)
	assert.Equal(t, "evaluate", decoded.Context.Phase)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(staticRule("MD-001")))
	assert.Error(t, reg.Register(staticRule("MD-001")))
}

func TestCELChecker(t *testing.T) {
	c := NewCELChecker("MD-100", "1.0.0",
		`!(event.branch == "main" && !has(event.approved))`,
		SeverityHigh, "direct push to main without approval")

	violations, err := c.Check(context.Background(), Input{
		Mode:    "pull_request",
		Context: map[string]any{"branch": "main", "findingId": "F-7"},
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "MD-100", violations[0].RuleID)
	assert.Equal(t, "F-7", violations[0].FindingID)

	violations, err = c.Check(context.Background(), Input{
		Context: map[string]any{"branch": "feature/x"},
	})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

type fakeBaselines struct {
	docs map[string][]byte
	err  error
}

func (f *fakeBaselines) GetBaseline(_ context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs[key], nil
}

func (f *fakeBaselines) PutBaseline(context.Context, string, []byte) error { return nil }
func (f *fakeBaselines) ListBaselines(context.Context) ([]adapters.BaselineInfo, error) {
	return nil, nil
}
func (f *fakeBaselines) DeleteBaseline(context.Context, string) error { return nil }

func TestDriftChecker(t *testing.T) {
	store := &fakeBaselines{docs: map[string][]byte{
		"baselines/MD-200.json": []byte(`{"maxDrift": 0.25}`),
	}}
	c := NewDriftChecker("MD-200", "1.0.0", store)

	violations, err := c.Check(context.Background(), Input{
		Mode:    "drift",
		Context: map[string]any{"driftMagnitude": 0.31, "findingId": "F-9"},
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, SeverityHigh, violations[0].Severity)
	assert.Equal(t, "F-9", violations[0].FindingID)
	assert.Equal(t, 0.25, violations[0].Context["baselineMax"])

	violations, err = c.Check(context.Background(), Input{
		Context: map[string]any{"driftMagnitude": 0.20},
	})
	require.NoError(t, err)
	assert.Empty(t, violations)

	// No magnitude in the event means the rule does not apply.
	violations, err = c.Check(context.Background(), Input{Context: map[string]any{}})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestDriftChecker_MissingBaselineNotAFinding(t *testing.T) {
	c := NewDriftChecker("MD-201", "1.0.0", &fakeBaselines{})
	violations, err := c.Check(context.Background(), Input{
		Context: map[string]any{"driftMagnitude": 0.9},
	})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestDriftChecker_StoreFaultFailsClosed(t *testing.T) {
	c := NewDriftChecker("MD-202", "1.0.0", &fakeBaselines{err: errors.New("bucket gone")})
	_, err := c.Check(context.Background(), Input{
		Context: map[string]any{"driftMagnitude": 0.9},
	})
	var ee *EvaluationError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, PhaseEvidence, ee.Phase)
}

func TestCELChecker_CompileErrorFailsClosed(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewCELChecker("MD-101", "1.0.0", "this is not CEL ===", SeverityHigh, "")))

	res := NewEvaluator(reg).EvaluateAll(context.Background(), Input{})
	require.Equal(t, 1, res.RulesErrored)
	assert.Equal(t, PhaseInit, res.Errors[0].Phase)
	require.Len(t, res.Violations, 1)
	assert.True(t, res.Violations[0].IsEvaluationError())
	assert.Equal(t, SeverityCritical, res.Violations[0].Severity)
}
