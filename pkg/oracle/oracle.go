// Package oracle orchestrates one governance analysis: L0 gate, isolated
// rule evaluation, false-positive suppression, circuit-breaker check,
// decision, block accounting, and evidence redaction. Adapter faults on the
// way degrade the report but never the safety of the decision.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/phasemirror/dissonance/pkg/adapters"
	"github.com/phasemirror/dissonance/pkg/fp"
	"github.com/phasemirror/dissonance/pkg/invariant"
	"github.com/phasemirror/dissonance/pkg/nonce"
	"github.com/phasemirror/dissonance/pkg/policy"
	"github.com/phasemirror/dissonance/pkg/redact"
	"github.com/phasemirror/dissonance/pkg/rules"
)

const instrumentationName = "github.com/phasemirror/dissonance/pkg/oracle"

// Output is the analysis result. Machine consumers rely on MachineDecision
// and Violations; Summary is for humans.
type Output struct {
	MachineDecision policy.MachineDecision `json:"machineDecision"`
	Violations      []rules.Violation      `json:"violations"`
	Summary         string                 `json:"summary"`
	Report          Report                 `json:"report"`
}

// Options tunes one Oracle instance.
type Options struct {
	CircuitBreakerThreshold int64
	RedactionPatterns       []redact.Pattern
	RuleTimeout             time.Duration
	Parallelism             int
}

// Oracle owns its adapter set and nonce cache exclusively for its lifetime.
// Safe for concurrent Analyze calls.
type Oracle struct {
	registry  *rules.Registry
	evaluator *rules.Evaluator
	fps       *fp.Service
	breaker   *fp.Breaker
	redactor  *redact.Redactor
	patterns  []redact.Pattern

	logger    *slog.Logger
	tracer    trace.Tracer
	decisions metric.Int64Counter
	now       func() time.Time
}

// New builds an Oracle over a provider's adapter set and a loaded nonce
// cache.
func New(registry *rules.Registry, stores adapters.Set, cache *nonce.Cache, opts Options) *Oracle {
	var evalOpts []rules.EvaluatorOption
	if opts.RuleTimeout > 0 {
		evalOpts = append(evalOpts, rules.WithRuleTimeout(opts.RuleTimeout))
	}
	if opts.Parallelism > 0 {
		evalOpts = append(evalOpts, rules.WithParallelism(opts.Parallelism))
	}

	o := &Oracle{
		registry:  registry,
		evaluator: rules.NewEvaluator(registry, evalOpts...),
		fps:       fp.NewService(stores.FPStore),
		breaker:   fp.NewBreaker(stores.BlockCounter, opts.CircuitBreakerThreshold),
		redactor:  redact.New(cache),
		patterns:  opts.RedactionPatterns,
		logger:    slog.Default().With("component", "oracle"),
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
	if c, err := otel.Meter(instrumentationName).Int64Counter("oracle.decisions",
		metric.WithDescription("analysis decisions by outcome")); err == nil {
		o.decisions = c
	}
	return o
}

// Analyze runs the full pipeline for one request. The only error returns
// are an invariant violation (fatal for the state) and context
// cancellation; everything else folds into the output with fail-closed
// semantics.
func (o *Oracle) Analyze(ctx context.Context, in *Input) (*Output, error) {
	ctx, span := o.tracer.Start(ctx, "oracle.analyze",
		trace.WithAttributes(attribute.String("mode", in.Mode)))
	defer span.End()

	if in.State != nil {
		if res := invariant.Check(in.State, o.now()); !res.Passed {
			span.SetAttributes(attribute.StringSlice("failed_checks", res.FailedChecks))
			return nil, &InvariantViolationError{Result: res}
		}
	}

	evalRes := o.evaluator.EvaluateAll(ctx, rules.Input{
		Mode:    in.Mode,
		Strict:  in.Strict,
		DryRun:  in.DryRun,
		Context: eventContext(in),
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filtered := o.fps.Filter(ctx, evalRes.Violations)
	degraded := filtered.Degraded

	tripped, counterDegraded := o.breaker.Tripped(ctx, filtered.Kept, in.Context.OrgID)
	degraded = degraded || counterDegraded

	decision := policy.MakeDecision(policy.Input{
		Violations:            filtered.Kept,
		Mode:                  in.Mode,
		Strict:                in.Strict,
		DryRun:                in.DryRun,
		CircuitBreakerTripped: tripped,
		RulesEvaluated:        o.ruleIDs(),
		Now:                   o.now(),
	})

	if decision.Outcome == policy.OutcomeBlock {
		o.breaker.CountBlocks(ctx, filtered.Kept, in.Context.OrgID)
	}
	o.recordEvents(ctx, in, filtered.Kept, decision.Outcome)

	violations := o.redactEvidence(ctx, filtered.Kept, &degraded)

	critical := 0
	for _, v := range violations {
		if v.Severity == rules.SeverityCritical {
			critical++
		}
	}
	out := &Output{
		MachineDecision: decision,
		Violations:      violations,
		Report: Report{
			RulesChecked:    o.registry.Len(),
			ViolationsFound: len(violations),
			CriticalIssues:  critical,
			Degraded:        degraded,
		},
	}
	out.Summary = o.summarize(in, out, filtered.Suppressed)

	span.SetAttributes(
		attribute.String("outcome", string(decision.Outcome)),
		attribute.Int("violations", len(violations)),
		attribute.Bool("degraded", degraded),
	)
	if o.decisions != nil {
		o.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(decision.Outcome)),
			attribute.String("mode", in.Mode),
		))
	}
	o.logger.InfoContext(ctx, "analysis complete",
		"mode", in.Mode,
		"outcome", decision.Outcome,
		"violations", len(violations),
		"suppressed", filtered.Suppressed,
		"rules_errored", evalRes.RulesErrored,
		"degraded", degraded)
	return out, nil
}

// eventContext flattens the request context into the map rules see.
func eventContext(in *Input) map[string]any {
	m := map[string]any{
		"repositoryName": in.Context.RepositoryName,
		"prNumber":       in.Context.PRNumber,
		"commitSha":      in.Context.CommitSha,
		"branch":         in.Context.Branch,
		"author":         in.Context.Author,
		"orgId":          in.Context.OrgID,
		"baselineFile":   in.BaselineFile,
	}
	if in.State != nil {
		m["driftMagnitude"] = in.State.DriftMagnitude
	}
	return m
}

func (o *Oracle) ruleIDs() []string {
	checkers := o.registry.Checkers()
	ids := make([]string, len(checkers))
	for i, c := range checkers {
		ids[i] = c.ID()
	}
	return ids
}

// recordEvents persists one FP event per real finding so review feedback
// and calibration have data to work from. Best effort: a write failure
// never changes the decision.
func (o *Oracle) recordEvents(ctx context.Context, in *Input, violations []rules.Violation, outcome policy.Outcome) {
	versions := make(map[string]string)
	for _, c := range o.registry.Checkers() {
		versions[c.ID()] = c.Version()
	}
	now := o.now()
	for _, v := range violations {
		if v.IsEvaluationError() || v.FindingID == "" {
			continue
		}
		ev := adapters.FPEvent{
			EventID:     uuid.NewString(),
			RuleID:      v.RuleID,
			RuleVersion: versions[v.RuleID],
			FindingID:   v.FindingID,
			Outcome:     adapters.Outcome(outcome),
			Timestamp:   now,
			Context: adapters.EventContext{
				OrgIDHash: adapters.HashOrgID(in.Context.OrgID),
				RepoID:    in.Context.RepositoryName,
				Branch:    in.Context.Branch,
				EventType: in.Mode,
			},
		}
		if err := o.fps.Record(ctx, ev); err != nil && !errors.Is(err, adapters.ErrDuplicateEvent) {
			o.logger.WarnContext(ctx, "event record failed", "rule", v.RuleID, "finding", v.FindingID, "error", err)
		}
	}
}

// redactEvidence brands every evidence snippet before the report leaves
// the core. When no valid nonce exists the snippet is stripped entirely;
// unredacted evidence never escapes.
func (o *Oracle) redactEvidence(ctx context.Context, violations []rules.Violation, degraded *bool) []rules.Violation {
	out := make([]rules.Violation, len(violations))
	copy(out, violations)
	for i := range out {
		if out[i].Evidence == "" {
			continue
		}
		rt, err := o.redactor.Redact(out[i].Evidence, o.patterns)
		if err != nil {
			o.logger.WarnContext(ctx, "evidence redaction unavailable, stripping snippet",
				"rule", out[i].RuleID, "error", err)
			out[i].Evidence = ""
			*degraded = true
			continue
		}
		out[i].Evidence = rt.Value
		if out[i].Context == nil {
			out[i].Context = make(map[string]any, 3)
		}
		out[i].Context["evidenceBrand"] = rt.Brand
		out[i].Context["evidenceMac"] = rt.MAC
		out[i].Context["evidenceNonceVersion"] = rt.NonceVersion
	}
	return out
}

func (o *Oracle) summarize(in *Input, out *Output, suppressed int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mirror Dissonance analysis: %s\n", strings.ToUpper(string(out.MachineDecision.Outcome)))
	mode := in.Mode
	if in.Strict {
		mode += " (strict)"
	}
	if in.DryRun {
		mode += " (dry run)"
	}
	fmt.Fprintf(&b, "Mode: %s\n", mode)
	fmt.Fprintf(&b, "Rules checked: %d, violations: %d (%d critical), suppressed: %d\n",
		out.Report.RulesChecked, out.Report.ViolationsFound, out.Report.CriticalIssues, suppressed)
	if out.Report.Degraded {
		b.WriteString("Degraded: one or more stores were unreachable; fail-closed defaults applied\n")
	}
	for _, v := range out.Violations {
		fmt.Fprintf(&b, " - [%s] %s: %s\n", v.Severity, v.RuleID, v.Message)
	}
	if len(out.MachineDecision.Reasons) > 0 {
		b.WriteString("Reasons:\n")
		for _, r := range out.MachineDecision.Reasons {
			fmt.Fprintf(&b, " - %s\n", r)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
