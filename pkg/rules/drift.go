package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// DriftChecker compares the event's reported drift magnitude against a
// stored per-rule baseline. A missing baseline is not a finding; a drift
// above the baseline ceiling is.
type DriftChecker struct {
	ruleID    string
	version   string
	baselines adapters.BaselineStore
}

type driftBaseline struct {
	MaxDrift float64 `json:"maxDrift"`
}

// NewDriftChecker builds the drift rule over a baseline store. The baseline
// document lives at "baselines/<ruleID>.json".
func NewDriftChecker(ruleID, version string, baselines adapters.BaselineStore) *DriftChecker {
	return &DriftChecker{ruleID: ruleID, version: version, baselines: baselines}
}

func (d *DriftChecker) ID() string      { return d.ruleID }
func (d *DriftChecker) Version() string { return d.version }

func (d *DriftChecker) Check(ctx context.Context, in Input) ([]Violation, error) {
	drift, ok := in.Context["driftMagnitude"].(float64)
	if !ok {
		return nil, nil
	}

	raw, err := d.baselines.GetBaseline(ctx, fmt.Sprintf("baselines/%s.json", d.ruleID))
	if err != nil {
		return nil, &EvaluationError{RuleID: d.ruleID, RuleVersion: d.version, Phase: PhaseEvidence,
			Cause: fmt.Errorf("load baseline: %w", err)}
	}
	if raw == nil {
		return nil, nil
	}

	var baseline driftBaseline
	if err := json.Unmarshal(raw, &baseline); err != nil {
		return nil, &EvaluationError{RuleID: d.ruleID, RuleVersion: d.version, Phase: PhaseEvidence,
			Cause: fmt.Errorf("parse baseline: %w", err)}
	}

	if drift <= baseline.MaxDrift {
		return nil, nil
	}
	findingID, _ := in.Context["findingId"].(string)
	return []Violation{{
		RuleID:    d.ruleID,
		Severity:  SeverityHigh,
		Message:   fmt.Sprintf("drift magnitude %.3f exceeds baseline ceiling %.3f", drift, baseline.MaxDrift),
		FindingID: findingID,
		Kind:      KindReal,
		Context:   map[string]any{"driftMagnitude": drift, "baselineMax": baseline.MaxDrift},
	}}, nil
}
