package adapters

import (
	"time"
)

// Outcome is the machine outcome attached to a recorded event.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeWarn  Outcome = "warn"
	OutcomeBlock Outcome = "block"
)

// EventContext carries the anonymized origin of a finding.
type EventContext struct {
	OrgIDHash string `json:"orgIdHash"`
	RepoID    string `json:"repoId"`
	Branch    string `json:"branch"`
	EventType string `json:"eventType"`
}

// FPEvent is one recorded finding with its review status.
// Primary key is (ruleId, eventId+timestamp); findingId is unique per
// finding and serves as the secondary lookup index.
type FPEvent struct {
	EventID           string       `json:"eventId"`
	RuleID            string       `json:"ruleId"`
	RuleVersion       string       `json:"ruleVersion"`
	FindingID         string       `json:"findingId"`
	Outcome           Outcome      `json:"outcome"`
	IsFalsePositive   bool         `json:"isFalsePositive"`
	ReviewedBy        string       `json:"reviewedBy,omitempty"`
	SuppressionTicket string       `json:"suppressionTicket,omitempty"`
	ReviewedAt        *time.Time   `json:"reviewedAt,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
	Context           EventContext `json:"context"`
}

// Reviewed reports whether a human has triaged the event.
func (e FPEvent) Reviewed() bool { return e.ReviewedAt != nil }

// FPWindowStats summarizes a window of events.
type FPWindowStats struct {
	Total          int     `json:"total"`
	FalsePositives int     `json:"falsePositives"`
	TruePositives  int     `json:"truePositives"`
	Pending        int     `json:"pending"`
	ObservedFPR    float64 `json:"observedFPR"`
}

// FPWindow is a derived, non-persistent view over recent events for a rule.
type FPWindow struct {
	RuleID     string        `json:"ruleId"`
	Events     []FPEvent     `json:"events"`
	Statistics FPWindowStats `json:"statistics"`
}

// ComputeWindow derives a window with statistics from already-ordered
// events. ObservedFPR = falsePositives / max(1, total-pending).
func ComputeWindow(ruleID string, events []FPEvent) *FPWindow {
	w := &FPWindow{RuleID: ruleID, Events: events}
	for _, e := range events {
		w.Statistics.Total++
		switch {
		case !e.Reviewed():
			w.Statistics.Pending++
		case e.IsFalsePositive:
			w.Statistics.FalsePositives++
		default:
			w.Statistics.TruePositives++
		}
	}
	denom := w.Statistics.Total - w.Statistics.Pending
	if denom < 1 {
		denom = 1
	}
	w.Statistics.ObservedFPR = float64(w.Statistics.FalsePositives) / float64(denom)
	return w
}

// Consent is a feature-level grant for an organization.
type Consent struct {
	OrgID     string     `json:"orgId"`
	RepoID    string     `json:"repoId,omitempty"`
	Feature   string     `json:"feature"`
	Granted   bool       `json:"granted"`
	GrantedAt time.Time  `json:"grantedAt"`
	GrantedBy string     `json:"grantedBy"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	RevokedBy string     `json:"revokedBy,omitempty"`
	Resources []string   `json:"resources,omitempty"`
}

// Holds reports whether the consent authorizes feature at now.
// Revocation is sticky: once revoked, only a grant issued after the
// revocation counts. Expiration uses now < expiresAt.
func (c Consent) Holds(now time.Time, feature string) bool {
	if !c.Granted {
		return false
	}
	if c.RevokedAt != nil && !c.GrantedAt.After(*c.RevokedAt) {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	if feature == "" || feature == c.Feature {
		return true
	}
	for _, r := range c.Resources {
		if r == feature {
			return true
		}
	}
	return false
}

// BaselineInfo describes one stored baseline.
type BaselineInfo struct {
	Key        string    `json:"key"`
	Version    string    `json:"version"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// FilterSummary reports what the Byzantine filter removed.
type FilterSummary struct {
	OutliersFiltered      int     `json:"outliersFiltered"`
	LowReputationFiltered int     `json:"lowReputationFiltered"`
	FilterRate            float64 `json:"filterRate"`
	ZScoreThreshold       float64 `json:"zScoreThreshold"`
	ReputationPercentile  float64 `json:"reputationPercentile"`
}

// Calibration result status values.
const (
	CalibrationOK                       = "OK"
	CalibrationInsufficientKAnonymity   = "INSUFFICIENT_K_ANONYMITY"
	CalibrationInsufficientContributors = "INSUFFICIENT_CONTRIBUTORS"
)

// CalibrationResult is the persisted outcome of a consensus calibration run.
type CalibrationResult struct {
	RuleID             string        `json:"ruleId"`
	Status             string        `json:"status"`
	ConsensusFPRate    float64       `json:"consensusFpRate"`
	Contributors       int           `json:"contributors"`
	EventCount         int           `json:"eventCount"`
	Confidence         float64       `json:"confidence"`
	ConfidenceCategory string        `json:"confidenceCategory"`
	FilterSummary      FilterSummary `json:"filterSummary"`
	ComputedAt         time.Time     `json:"computedAt"`
}
