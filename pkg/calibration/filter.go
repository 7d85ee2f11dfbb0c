package calibration

import (
	"math"
	"sort"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// sigmaFloor keeps the leave-one-out z-score defined when the remaining
// contributors agree exactly.
const sigmaFloor = 0.01

// byzantineFilter removes low-reputation and statistical-outlier
// contributors. Reputation is filtered first; outlier detection uses a
// leave-one-out weighted z-score so a single large outlier cannot inflate
// the deviation it is measured against.
func byzantineFilter(contributors []Contributor, cfg Config) ([]Contributor, adapters.FilterSummary) {
	summary := adapters.FilterSummary{
		ZScoreThreshold:      cfg.ZScoreThreshold,
		ReputationPercentile: cfg.ReputationPercentile,
	}
	total := len(contributors)
	if total == 0 {
		return nil, summary
	}

	cutoff := reputationCutoff(contributors, cfg.ReputationPercentile)
	trusted := make([]Contributor, 0, total)
	for _, c := range contributors {
		if c.Weight.ReputationScore < cutoff {
			summary.LowReputationFiltered++
			continue
		}
		trusted = append(trusted, c)
	}

	if len(trusted) >= cfg.MinSampleForOutlier {
		// looZScore reads trusted for every index, so compaction must not
		// reuse its backing array.
		kept := make([]Contributor, 0, len(trusted))
		for i := range trusted {
			if looZScore(trusted, i) > cfg.ZScoreThreshold {
				summary.OutliersFiltered++
				continue
			}
			kept = append(kept, trusted[i])
		}
		trusted = kept
	}

	summary.FilterRate = float64(total-len(trusted)) / float64(total)
	return trusted, summary
}

// reputationCutoff returns the reputation score at the given percentile.
// Contributors strictly below it are dropped, so a uniform-reputation pool
// is never thinned.
func reputationCutoff(contributors []Contributor, percentile float64) float64 {
	scores := make([]float64, len(contributors))
	for i, c := range contributors {
		scores[i] = c.Weight.ReputationScore
	}
	sort.Float64s(scores)
	idx := int(math.Floor(percentile * float64(len(scores))))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	return scores[idx]
}

// looZScore measures contributor i against the weighted mean and deviation
// of everyone else.
func looZScore(contributors []Contributor, i int) float64 {
	var sumW, sumWR float64
	for j, c := range contributors {
		if j == i {
			continue
		}
		sumW += c.Weight.Weight
		sumWR += c.Weight.Weight * c.FPRate
	}
	if sumW == 0 {
		return 0
	}
	mean := sumWR / sumW

	var sumWV float64
	for j, c := range contributors {
		if j == i {
			continue
		}
		d := c.FPRate - mean
		sumWV += c.Weight.Weight * d * d
	}
	sigma := math.Sqrt(sumWV / sumW)
	if sigma < sigmaFloor {
		sigma = sigmaFloor
	}
	return math.Abs(contributors[i].FPRate-mean) / sigma
}

// weightedMeanStd returns the weight-adjusted mean and standard deviation
// of the contributors' FP rates.
func weightedMeanStd(contributors []Contributor) (mean, sigma float64) {
	var sumW, sumWR float64
	for _, c := range contributors {
		sumW += c.Weight.Weight
		sumWR += c.Weight.Weight * c.FPRate
	}
	if sumW == 0 {
		return 0, 0
	}
	mean = sumWR / sumW
	var sumWV float64
	for _, c := range contributors {
		d := c.FPRate - mean
		sumWV += c.Weight.Weight * d * d
	}
	return mean, math.Sqrt(sumWV / sumW)
}
