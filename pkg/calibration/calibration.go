// Package calibration computes reputation-weighted consensus false-positive
// rates per rule, robust to a minority of Byzantine contributors. Aggregate
// statistics are only released once enough distinct organizations have
// contributed.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// Weight is what the reputation engine knows about one organization.
type Weight struct {
	Weight          float64 `json:"weight"`
	ReputationScore float64 `json:"reputationScore"`
	Stake           float64 `json:"stake"`
}

// ReputationEngine is the external trust source. Scores are computed
// elsewhere; this package only consumes weights and feeds back consistency
// deltas.
type ReputationEngine interface {
	CalculateContributionWeight(ctx context.Context, orgID string) (Weight, error)
	UpdateConsistencyScore(ctx context.Context, orgID string, delta float64) error
}

// Contributor is one organization's aggregated signal for a rule.
type Contributor struct {
	OrgIDHash string
	FPRate    float64
	Events    int
	Weight    Weight
}

// Config carries the calibration thresholds.
type Config struct {
	ReputationPercentile float64
	ZScoreThreshold      float64
	KAnonymity           int
	MinSampleForOutlier  int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ReputationPercentile: 0.2,
		ZScoreThreshold:      3.0,
		KAnonymity:           10,
		MinSampleForOutlier:  5,
	}
}

// Confidence component weights and category cut points.
const (
	weightContributors   = 0.35
	weightAgreement      = 0.30
	weightEventCount     = 0.20
	weightMeanReputation = 0.15

	contributorSaturation = 10.0
	eventSaturation       = 50.0

	minTrustedContributors = 3
)

// Calibrator runs the consensus pipeline for one deployment.
type Calibrator struct {
	fpStore adapters.FPStore
	store   adapters.CalibrationStore
	rep     ReputationEngine
	updater *ConsistencyUpdater
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Calibrator) { c.now = now }
}

// New builds a calibrator. The updater may be nil, in which case
// consistency feedback is skipped.
func New(fpStore adapters.FPStore, store adapters.CalibrationStore, rep ReputationEngine, updater *ConsistencyUpdater, cfg Config, opts ...Option) *Calibrator {
	c := &Calibrator{
		fpStore: fpStore,
		store:   store,
		rep:     rep,
		updater: updater,
		cfg:     cfg,
		logger:  slog.Default().With("component", "calibration"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AggregateFPRate produces the consensus false-positive rate for a rule.
// Below the k-anonymity threshold it returns a typed insufficient result
// rather than an error; only OK results are persisted.
func (c *Calibrator) AggregateFPRate(ctx context.Context, ruleID string) (*adapters.CalibrationResult, error) {
	window, err := c.fpStore.WindowSince(ctx, ruleID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("calibration: fetch events for %s: %w", ruleID, err)
	}

	contributors, eventCount := c.groupByOrg(ctx, window.Events)
	if len(contributors) < c.cfg.KAnonymity {
		return &adapters.CalibrationResult{
			RuleID:             ruleID,
			Status:             adapters.CalibrationInsufficientKAnonymity,
			Contributors:       len(contributors),
			EventCount:         eventCount,
			ConfidenceCategory: "insufficient",
			ComputedAt:         c.now(),
		}, nil
	}

	trusted, summary := byzantineFilter(contributors, c.cfg)
	if len(trusted) < minTrustedContributors {
		return &adapters.CalibrationResult{
			RuleID:             ruleID,
			Status:             adapters.CalibrationInsufficientContributors,
			Contributors:       len(trusted),
			EventCount:         eventCount,
			ConfidenceCategory: "insufficient",
			FilterSummary:      summary,
			ComputedAt:         c.now(),
		}, nil
	}

	consensus, sigma := weightedMeanStd(trusted)
	confidence, category := c.confidence(trusted, consensus, sigma)

	result := &adapters.CalibrationResult{
		RuleID:             ruleID,
		Status:             adapters.CalibrationOK,
		ConsensusFPRate:    consensus,
		Contributors:       len(trusted),
		EventCount:         eventCount,
		Confidence:         confidence,
		ConfidenceCategory: category,
		FilterSummary:      summary,
		ComputedAt:         c.now(),
	}

	if err := c.store.StoreCalibrationResult(ctx, *result); err != nil {
		return nil, fmt.Errorf("calibration: persist result for %s: %w", ruleID, err)
	}

	c.feedbackConsistency(trusted, consensus)
	return result, nil
}

// groupByOrg rolls per-event review data up to per-org FP rates with
// reputation weights attached. Organizations whose weight lookup fails are
// skipped rather than trusted blindly.
func (c *Calibrator) groupByOrg(ctx context.Context, events []adapters.FPEvent) ([]Contributor, int) {
	type tally struct{ total, fp int }
	byOrg := make(map[string]*tally)
	order := make([]string, 0)
	eventCount := 0
	for _, ev := range events {
		org := ev.Context.OrgIDHash
		if org == "" {
			continue
		}
		t, ok := byOrg[org]
		if !ok {
			t = &tally{}
			byOrg[org] = t
			order = append(order, org)
		}
		t.total++
		if ev.IsFalsePositive {
			t.fp++
		}
		eventCount++
	}

	contributors := make([]Contributor, 0, len(byOrg))
	for _, org := range order {
		t := byOrg[org]
		w, err := c.rep.CalculateContributionWeight(ctx, org)
		if err != nil {
			c.logger.Warn("reputation lookup failed, skipping contributor", "org", org, "error", err)
			continue
		}
		contributors = append(contributors, Contributor{
			OrgIDHash: org,
			FPRate:    float64(t.fp) / float64(t.total),
			Events:    t.total,
			Weight:    w,
		})
	}
	return contributors, eventCount
}

// confidence scores how much to trust the consensus and names its category.
func (c *Calibrator) confidence(trusted []Contributor, consensus, sigma float64) (float64, string) {
	contribScore := clamp01(float64(len(trusted)) / contributorSaturation)

	agreement := 1.0
	if consensus > 0 {
		agreement = clamp01(1 - sigma/consensus)
	}

	var events int
	var repSum float64
	for _, t := range trusted {
		events += t.Events
		repSum += t.Weight.ReputationScore
	}
	eventScore := clamp01(float64(events) / eventSaturation)
	meanRep := clamp01(repSum / float64(len(trusted)))

	score := weightContributors*contribScore +
		weightAgreement*agreement +
		weightEventCount*eventScore +
		weightMeanReputation*meanRep

	switch {
	case len(trusted) < minTrustedContributors:
		return score, "insufficient"
	case score >= 0.75:
		return score, "high"
	case score >= 0.5:
		return score, "medium"
	case score >= 0.25:
		return score, "low"
	}
	return score, "insufficient"
}

// feedbackConsistency enqueues a consistency delta per trusted contributor
// based on their deviation from consensus. Never blocks the caller.
func (c *Calibrator) feedbackConsistency(trusted []Contributor, consensus float64) {
	if c.updater == nil {
		return
	}
	for _, t := range trusted {
		delta := consistencyDelta(t.FPRate - consensus)
		c.updater.Enqueue(Update{OrgID: t.OrgIDHash, Delta: delta})
	}
}

// consistencyDelta maps a contributor's deviation from consensus to a
// score adjustment. Deviations between 10% and 20% are neutral.
func consistencyDelta(dev float64) float64 {
	ad := math.Abs(dev)
	switch {
	case ad < 0.02:
		return 0.05
	case ad < 0.05:
		return 0.02
	case ad < 0.10:
		return 0.01
	case ad <= 0.20:
		return 0
	case ad <= 0.30:
		return -0.05
	}
	return -0.10
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
