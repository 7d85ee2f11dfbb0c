package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultRuleTimeout bounds one rule's wall-clock run.
const DefaultRuleTimeout = 10 * time.Second

// Registry holds checkers in registration order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	checkers map[string]Checker
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a checker; a duplicate rule ID is a programming error.
func (r *Registry) Register(c Checker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checkers[c.ID()]; ok {
		return fmt.Errorf("rules: duplicate rule %s", c.ID())
	}
	r.checkers[c.ID()] = c
	r.order = append(r.order, c.ID())
	return nil
}

// Checkers returns the registered checkers in registration order.
func (r *Registry) Checkers() []Checker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Checker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.checkers[id])
	}
	return out
}

// Len reports the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Result aggregates one evaluator run.
// RulesEvaluated + RulesErrored always equals the registry size.
type Result struct {
	Violations     []Violation
	Errors         []*EvaluationError
	RulesEvaluated int
	RulesErrored   int
}

// Evaluator fans out over the registry with bounded parallelism and a
// per-rule timeout. Rules are pure over their inputs, so parallel order
// never changes the outcome; results are stitched back in registration
// order.
type Evaluator struct {
	registry    *Registry
	timeout     time.Duration
	parallelism int64
	logger      *slog.Logger
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithRuleTimeout overrides the default per-rule timeout.
func WithRuleTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.timeout = d }
}

// WithParallelism bounds concurrent rule executions.
func WithParallelism(n int) EvaluatorOption {
	return func(e *Evaluator) {
		if n > 0 {
			e.parallelism = int64(n)
		}
	}
}

// NewEvaluator builds an evaluator over the registry. Parallelism defaults
// to the CPU count.
func NewEvaluator(registry *Registry, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		registry:    registry,
		timeout:     DefaultRuleTimeout,
		parallelism: int64(runtime.NumCPU()),
		logger:      slog.Default().With("component", "rule-evaluator"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type ruleOutcome struct {
	violations []Violation
	err        *EvaluationError
}

// EvaluateAll runs every registered rule against in. Each rule is isolated:
// returned errors, panics, and timeouts become EvaluationErrors plus one
// synthetic critical violation, and never abort the run. Cancellation of
// ctx stops in-flight rules; their results surface as evaluate-phase
// errors.
func (e *Evaluator) EvaluateAll(ctx context.Context, in Input) Result {
	checkers := e.registry.Checkers()
	outcomes := make([]ruleOutcome, len(checkers))

	sem := semaphore.NewWeighted(e.parallelism)
	var wg sync.WaitGroup
	for i, c := range checkers {
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = ruleOutcome{err: &EvaluationError{
				RuleID: c.ID(), RuleVersion: c.Version(), Phase: PhaseEvaluate, Cause: err,
			}}
			continue
		}
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i] = e.runOne(ctx, c, in)
		}(i, c)
	}
	wg.Wait()

	var res Result
	for _, o := range outcomes {
		if o.err != nil {
			res.RulesErrored++
			res.Errors = append(res.Errors, o.err)
			res.Violations = append(res.Violations, syntheticViolation(o.err))
			continue
		}
		res.RulesEvaluated++
		res.Violations = append(res.Violations, o.violations...)
	}
	return res
}

// runOne executes a single rule under its timeout with panic isolation.
func (e *Evaluator) runOne(ctx context.Context, c Checker, in Input) ruleOutcome {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type checkResult struct {
		violations []Violation
		err        error
	}
	done := make(chan checkResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- checkResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		violations, err := c.Check(ctx, in)
		done <- checkResult{violations: violations, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			ee := asEvaluationError(c, r.err)
			e.logger.WarnContext(ctx, "rule evaluation failed",
				"rule", c.ID(), "phase", ee.Phase, "error", ee.Cause)
			return ruleOutcome{err: ee}
		}
		return ruleOutcome{violations: r.violations}
	case <-ctx.Done():
		e.logger.WarnContext(ctx, "rule evaluation timed out", "rule", c.ID(), "timeout", e.timeout)
		return ruleOutcome{err: &EvaluationError{
			RuleID:      c.ID(),
			RuleVersion: c.Version(),
			Phase:       PhaseEvaluate,
			Cause:       ctx.Err(),
		}}
	}
}

// asEvaluationError preserves an already-typed phase, defaulting to the
// evaluate phase for plain errors.
func asEvaluationError(c Checker, err error) *EvaluationError {
	var ee *EvaluationError
	if errors.As(err, &ee) {
		return ee
	}
	return &EvaluationError{RuleID: c.ID(), RuleVersion: c.Version(), Phase: PhaseEvaluate, Cause: err}
}
