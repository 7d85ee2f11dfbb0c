// Package rules defines the governance rule contract and the fan-out
// evaluator. Rules are isolated: a throwing or panicking rule produces a
// structured evaluation error and exactly one synthetic critical violation,
// and never prevents the remaining rules from running.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
)

// Severity orders violations for the decision layer.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Phase names the stage of rule execution where a failure occurred.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseEvaluate Phase = "evaluate"
	PhaseEvidence Phase = "evidence"
	PhasePost     Phase = "post"
)

// Kind is the violation variant tag. The decision layer pattern-matches on
// it rather than digging through context maps.
type Kind int

const (
	// KindReal is a finding produced by a rule body.
	KindReal Kind = iota
	// KindEvaluationError is synthesized from a failed rule and is always
	// treated as critical and non-filterable.
	KindEvaluationError
)

// Violation is one finding, real or synthesized.
type Violation struct {
	RuleID    string
	Severity  Severity
	Message   string
	FindingID string
	Kind      Kind
	Phase     Phase
	Evidence  string
	Context   map[string]any
}

// IsEvaluationError reports whether this violation was synthesized from a
// rule failure.
func (v Violation) IsEvaluationError() bool { return v.Kind == KindEvaluationError }

// MarshalJSON emits the documented wire shape: the variant tag surfaces as
// context.isEvaluationError / context.phase so machine consumers stay
// stable across implementations.
func (v Violation) MarshalJSON() ([]byte, error) {
	ctx := make(map[string]any, len(v.Context)+2)
	for k, val := range v.Context {
		ctx[k] = val
	}
	if v.Kind == KindEvaluationError {
		ctx["isEvaluationError"] = true
		ctx["phase"] = string(v.Phase)
	}
	return json.Marshal(struct {
		RuleID    string         `json:"ruleId"`
		Severity  Severity       `json:"severity"`
		Message   string         `json:"message"`
		FindingID string         `json:"findingId,omitempty"`
		Evidence  string         `json:"evidence,omitempty"`
		Context   map[string]any `json:"context"`
	}{v.RuleID, v.Severity, v.Message, v.FindingID, v.Evidence, ctx})
}

// Input is the normalized software-change event rules evaluate.
type Input struct {
	Mode    string
	Strict  bool
	DryRun  bool
	Context map[string]any
}

// Checker is one registered governance rule.
type Checker interface {
	ID() string
	Version() string
	Check(ctx context.Context, in Input) ([]Violation, error)
}

// CheckerFunc adapts a function into a Checker.
type CheckerFunc struct {
	RuleID      string
	RuleVersion string
	Fn          func(ctx context.Context, in Input) ([]Violation, error)
}

func (c CheckerFunc) ID() string      { return c.RuleID }
func (c CheckerFunc) Version() string { return c.RuleVersion }
func (c CheckerFunc) Check(ctx context.Context, in Input) ([]Violation, error) {
	return c.Fn(ctx, in)
}

// EvaluationError captures a failed rule with the phase it failed in.
type EvaluationError struct {
	RuleID      string
	RuleVersion string
	Phase       Phase
	Cause       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s (v%s) failed during %s: %v", e.RuleID, e.RuleVersion, e.Phase, e.Cause)
}

func (e *EvaluationError) Unwrap() error { return e.Cause }

// syntheticViolation converts an evaluation error into its single critical
// violation.
func syntheticViolation(ee *EvaluationError) Violation {
	return Violation{
		RuleID:   ee.RuleID,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("rule evaluation failed in phase %s: %v", ee.Phase, ee.Cause),
		Kind:     KindEvaluationError,
		Phase:    ee.Phase,
	}
}
