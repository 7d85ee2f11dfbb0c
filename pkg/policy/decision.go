// Package policy merges violations into a single machine decision. The
// rules are ordered and the first match owns the outcome, but every
// applicable reason is recorded so a human can reconstruct the call.
package policy

import (
	"fmt"
	"time"

	"github.com/phasemirror/dissonance/pkg/rules"
)

// Outcome is the machine decision surface.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeWarn  Outcome = "warn"
	OutcomeBlock Outcome = "block"
)

// Metadata accompanies every decision.
type Metadata struct {
	Timestamp      time.Time `json:"timestamp"`
	Mode           string    `json:"mode"`
	RulesEvaluated []string  `json:"rulesEvaluated"`
}

// MachineDecision is the canonical decision consumers act on.
type MachineDecision struct {
	Outcome  Outcome  `json:"outcome"`
	Reasons  []string `json:"reasons"`
	Metadata Metadata `json:"metadata"`
}

// Input bundles everything the decision depends on.
type Input struct {
	Violations            []rules.Violation
	Mode                  string
	Strict                bool
	DryRun                bool
	CircuitBreakerTripped bool
	RulesEvaluated        []string
	Now                   time.Time
}

// MakeDecision applies the decision ladder:
//
//  1. Any evaluation-error violation blocks, non-overridably.
//  2. Dry-run allows, with would-have reasons recorded.
//  3. Critical violations block unless the circuit breaker tripped.
//  4. A tripped breaker degrades block to warn.
//  5. Strict mode blocks on high/medium; otherwise they warn.
//  6. Nothing left: allow.
func MakeDecision(in Input) MachineDecision {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	d := MachineDecision{
		Outcome: OutcomeAllow,
		Metadata: Metadata{
			Timestamp:      now,
			Mode:           in.Mode,
			RulesEvaluated: in.RulesEvaluated,
		},
	}

	var criticals, evalErrors, highMedium, low int
	for _, v := range in.Violations {
		switch {
		case v.IsEvaluationError():
			evalErrors++
		case v.Severity == rules.SeverityCritical:
			criticals++
		case v.Severity == rules.SeverityHigh || v.Severity == rules.SeverityMedium:
			highMedium++
		default:
			low++
		}
	}

	if evalErrors > 0 {
		// Rule failures are never negotiable: a rule that could not run may
		// have been the one that would have blocked.
		d.Outcome = OutcomeBlock
		d.Reasons = append(d.Reasons, fmt.Sprintf("%d rule evaluation error(s): failing closed", evalErrors))
		if criticals > 0 {
			d.Reasons = append(d.Reasons, fmt.Sprintf("%d critical violation(s)", criticals))
		}
		return d
	}

	if in.DryRun {
		d.Outcome = OutcomeAllow
		d.Reasons = append(d.Reasons, "dry run: no enforcement")
		if would := wouldOutcome(in, criticals, highMedium); would != OutcomeAllow {
			d.Reasons = append(d.Reasons, fmt.Sprintf("dry run: outcome would have been %s", would))
		}
		return d
	}

	switch {
	case criticals > 0 && !in.CircuitBreakerTripped:
		d.Outcome = OutcomeBlock
		d.Reasons = append(d.Reasons, fmt.Sprintf("%d critical violation(s)", criticals))
	case in.CircuitBreakerTripped:
		d.Outcome = OutcomeWarn
		if criticals > 0 {
			d.Reasons = append(d.Reasons, fmt.Sprintf("%d critical violation(s)", criticals))
		}
		d.Reasons = append(d.Reasons, "circuit breaker tripped (degraded)")
	case highMedium > 0 && in.Strict:
		d.Outcome = OutcomeBlock
		d.Reasons = append(d.Reasons, fmt.Sprintf("strict mode: %d high/medium violation(s)", highMedium))
	case highMedium > 0:
		d.Outcome = OutcomeWarn
		d.Reasons = append(d.Reasons, fmt.Sprintf("%d high/medium violation(s)", highMedium))
	default:
		d.Outcome = OutcomeAllow
		if low > 0 {
			d.Reasons = append(d.Reasons, fmt.Sprintf("%d low-severity violation(s)", low))
		}
	}
	return d
}

// wouldOutcome computes what enforcement would have decided, for dry-run
// reporting.
func wouldOutcome(in Input, criticals, highMedium int) Outcome {
	switch {
	case criticals > 0 && !in.CircuitBreakerTripped:
		return OutcomeBlock
	case in.CircuitBreakerTripped && (criticals > 0 || highMedium > 0):
		return OutcomeWarn
	case highMedium > 0 && in.Strict:
		return OutcomeBlock
	case highMedium > 0:
		return OutcomeWarn
	}
	return OutcomeAllow
}
