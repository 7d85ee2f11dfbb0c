package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELChecker evaluates a compiled CEL expression over the event context.
// The expression must yield a bool; false produces one violation. Compile
// and evaluation failures surface as errors, which the evaluator converts
// into critical synthetic violations — fail closed, never assume compliant.
type CELChecker struct {
	ruleID   string
	version  string
	severity Severity
	message  string
	expr     string

	once    sync.Once
	program cel.Program
	initErr error
}

// NewCELChecker builds a checker around one CEL expression. The expression
// sees `mode` (string), `strict` (bool), and `event` (the input context as
// a dynamic map).
func NewCELChecker(ruleID, version, expr string, severity Severity, message string) *CELChecker {
	return &CELChecker{
		ruleID:   ruleID,
		version:  version,
		severity: severity,
		message:  message,
		expr:     expr,
	}
}

func (c *CELChecker) ID() string      { return c.ruleID }
func (c *CELChecker) Version() string { return c.version }

// compile builds the program once; the environment mirrors the fields every
// rule receives.
func (c *CELChecker) compile() {
	env, err := cel.NewEnv(
		cel.Variable("mode", cel.StringType),
		cel.Variable("strict", cel.BoolType),
		cel.Variable("event", cel.DynType),
	)
	if err != nil {
		c.initErr = &EvaluationError{RuleID: c.ruleID, RuleVersion: c.version, Phase: PhaseInit,
			Cause: fmt.Errorf("cel environment: %w", err)}
		return
	}
	ast, issues := env.Compile(c.expr)
	if issues != nil && issues.Err() != nil {
		c.initErr = &EvaluationError{RuleID: c.ruleID, RuleVersion: c.version, Phase: PhaseInit,
			Cause: fmt.Errorf("cel compile: %w", issues.Err())}
		return
	}
	prg, err := env.Program(ast)
	if err != nil {
		c.initErr = &EvaluationError{RuleID: c.ruleID, RuleVersion: c.version, Phase: PhaseInit,
			Cause: fmt.Errorf("cel program: %w", err)}
		return
	}
	c.program = prg
}

func (c *CELChecker) Check(ctx context.Context, in Input) ([]Violation, error) {
	c.once.Do(c.compile)
	if c.initErr != nil {
		return nil, c.initErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	event := in.Context
	if event == nil {
		event = map[string]any{}
	}
	out, _, err := c.program.Eval(map[string]any{
		"mode":   in.Mode,
		"strict": in.Strict,
		"event":  event,
	})
	if err != nil {
		return nil, &EvaluationError{RuleID: c.ruleID, RuleVersion: c.version, Phase: PhaseEvaluate,
			Cause: fmt.Errorf("cel eval: %w", err)}
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return nil, &EvaluationError{RuleID: c.ruleID, RuleVersion: c.version, Phase: PhaseEvaluate,
			Cause: fmt.Errorf("cel expression yielded %T, want bool", out.Value())}
	}
	if ok {
		return nil, nil
	}

	findingID, _ := in.Context["findingId"].(string)
	return []Violation{{
		RuleID:    c.ruleID,
		Severity:  c.severity,
		Message:   c.message,
		FindingID: findingID,
		Kind:      KindReal,
	}}, nil
}
