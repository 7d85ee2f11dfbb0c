// Package fp layers feedback semantics over the raw false-positive store:
// suppression lookups for the analyze path, review workflows, and
// version-aware statistics windows.
package fp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/phasemirror/dissonance/pkg/adapters"
	"github.com/phasemirror/dissonance/pkg/rules"
)

// Service wraps an FP store with the semantics callers actually want.
type Service struct {
	store  adapters.FPStore
	logger *slog.Logger
}

// NewService builds a Service over a store.
func NewService(store adapters.FPStore) *Service {
	return &Service{
		store:  store,
		logger: slog.Default().With("component", "fp-service"),
	}
}

// Record persists one evaluation outcome. Duplicate event IDs surface as
// adapters.ErrDuplicateEvent; idempotency is the caller's concern.
func (s *Service) Record(ctx context.Context, ev adapters.FPEvent) error {
	return s.store.RecordEvent(ctx, ev)
}

// MarkFalsePositive records a human review verdict against a finding.
func (s *Service) MarkFalsePositive(ctx context.Context, findingID, reviewedBy, ticket string) error {
	return s.store.MarkFalsePositive(ctx, findingID, reviewedBy, ticket)
}

// Window returns the most recent n events for a rule as a computed window.
func (s *Service) Window(ctx context.Context, ruleID string, n int) (*adapters.FPWindow, error) {
	return s.store.WindowByCount(ctx, ruleID, n)
}

// WindowSince returns the rule's events since the given time.
func (s *Service) WindowSince(ctx context.Context, ruleID string, since time.Time) (*adapters.FPWindow, error) {
	return s.store.WindowSince(ctx, ruleID, since)
}

// WindowForVersion returns the rule's window restricted to events recorded
// under the same semver major as ruleVersion. Review verdicts carry across
// minor and patch releases of a rule; a major bump starts clean. Events with
// an unparseable version are excluded.
func (s *Service) WindowForVersion(ctx context.Context, ruleID, ruleVersion string, n int) (*adapters.FPWindow, error) {
	want, err := semver.NewVersion(ruleVersion)
	if err != nil {
		return nil, fmt.Errorf("fp: parse rule version %q: %w", ruleVersion, err)
	}

	w, err := s.store.WindowByCount(ctx, ruleID, n)
	if err != nil {
		return nil, err
	}
	kept := make([]adapters.FPEvent, 0, len(w.Events))
	for _, ev := range w.Events {
		got, err := semver.NewVersion(ev.RuleVersion)
		if err != nil {
			continue
		}
		if got.Major() == want.Major() {
			kept = append(kept, ev)
		}
	}
	return adapters.ComputeWindow(ruleID, kept), nil
}

// FilterResult reports what the suppression filter did.
type FilterResult struct {
	Kept       []rules.Violation
	Suppressed int
	// Degraded is true when at least one store lookup failed and the
	// corresponding violation was kept on the safe side.
	Degraded bool
}

// Filter drops violations whose finding has been reviewed as a false
// positive. Error-originated violations are never filtered: a rule that
// failed to run has no finding a human could have reviewed. Store faults
// fail closed, keeping the violation and flagging the result degraded.
func (s *Service) Filter(ctx context.Context, violations []rules.Violation) FilterResult {
	res := FilterResult{Kept: make([]rules.Violation, 0, len(violations))}
	for _, v := range violations {
		if v.IsEvaluationError() || v.FindingID == "" {
			res.Kept = append(res.Kept, v)
			continue
		}
		isFP, err := s.store.IsFalsePositive(ctx, v.RuleID, v.FindingID)
		if err != nil {
			s.logger.WarnContext(ctx, "false-positive lookup failed, keeping violation",
				"rule", v.RuleID, "finding", v.FindingID, "error", err)
			res.Degraded = true
			res.Kept = append(res.Kept, v)
			continue
		}
		if isFP {
			res.Suppressed++
			continue
		}
		res.Kept = append(res.Kept, v)
	}
	return res
}

// Breaker wraps the block counter with the trip threshold.
type Breaker struct {
	counter   adapters.BlockCounter
	threshold int64
	logger    *slog.Logger
}

// NewBreaker builds a breaker over a counter. A non-positive threshold
// falls back to the default of 100.
func NewBreaker(counter adapters.BlockCounter, threshold int64) *Breaker {
	if threshold <= 0 {
		threshold = 100
	}
	return &Breaker{
		counter:   counter,
		threshold: threshold,
		logger:    slog.Default().With("component", "circuit-breaker"),
	}
}

// Threshold reports the trip threshold.
func (b *Breaker) Threshold() int64 { return b.threshold }

// Tripped reports whether any violation's (rule, org) counter has reached
// the threshold. Counter faults fail closed for the caller's safety in the
// opposite direction from suppression: a broken counter must not degrade
// blocks to warns, so faults read as not tripped, with degraded set.
func (b *Breaker) Tripped(ctx context.Context, violations []rules.Violation, orgID string) (tripped, degraded bool) {
	for _, v := range violations {
		broken, err := b.counter.IsCircuitBroken(ctx, v.RuleID, orgID, b.threshold)
		if err != nil {
			b.logger.WarnContext(ctx, "circuit breaker check failed",
				"rule", v.RuleID, "org", orgID, "error", err)
			degraded = true
			continue
		}
		if broken {
			return true, degraded
		}
	}
	return false, degraded
}

// CountBlocks bumps each violation's (rule, org) hourly counter after a
// block decision. Failures are logged and skipped; the decision already
// stands.
func (b *Breaker) CountBlocks(ctx context.Context, violations []rules.Violation, orgID string) {
	for _, v := range violations {
		if _, err := b.counter.Increment(ctx, v.RuleID, orgID); err != nil {
			b.logger.WarnContext(ctx, "block counter increment failed",
				"rule", v.RuleID, "org", orgID, "error", err)
		}
	}
}
