package calibration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

type memFPStore struct {
	events []adapters.FPEvent
}

func (m *memFPStore) RecordEvent(_ context.Context, ev adapters.FPEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memFPStore) MarkFalsePositive(context.Context, string, string, string) error { return nil }

func (m *memFPStore) WindowByCount(_ context.Context, ruleID string, n int) (*adapters.FPWindow, error) {
	return m.WindowSince(context.Background(), ruleID, time.Time{})
}

func (m *memFPStore) WindowSince(_ context.Context, ruleID string, since time.Time) (*adapters.FPWindow, error) {
	var out []adapters.FPEvent
	for _, ev := range m.events {
		if ev.RuleID == ruleID && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return adapters.ComputeWindow(ruleID, out), nil
}

func (m *memFPStore) IsFalsePositive(context.Context, string, string) (bool, error) {
	return false, nil
}

type memCalStore struct {
	mu      sync.Mutex
	results map[string]adapters.CalibrationResult
}

func (m *memCalStore) StoreCalibrationResult(_ context.Context, r adapters.CalibrationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]adapters.CalibrationResult)
	}
	m.results[r.RuleID] = r
	return nil
}

func (m *memCalStore) GetCalibrationResult(_ context.Context, ruleID string) (*adapters.CalibrationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[ruleID]
	if !ok {
		return nil, adapters.ErrNotFound
	}
	return &r, nil
}

func (m *memCalStore) AllCalibrationResults(context.Context) ([]adapters.CalibrationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]adapters.CalibrationResult, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	return out, nil
}

type fakeEngine struct {
	mu      sync.Mutex
	weights map[string]Weight
	updates []Update
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeEngine) CalculateContributionWeight(_ context.Context, orgID string) (Weight, error) {
	if w, ok := f.weights[orgID]; ok {
		return w, nil
	}
	return Weight{Weight: 1.0, ReputationScore: 0.8, Stake: 1.0}, nil
}

func (f *fakeEngine) UpdateConsistencyScore(_ context.Context, orgID string, delta float64) error {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, Update{OrgID: orgID, Delta: delta})
	return nil
}

func (f *fakeEngine) received() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Update, len(f.updates))
	copy(out, f.updates)
	return out
}

// seedOrgEvents writes total events for one org, fpCount of them reviewed
// as false positives.
func seedOrgEvents(t *testing.T, store *memFPStore, ruleID, org string, total, fpCount int) {
	t.Helper()
	now := time.Now()
	for i := 0; i < total; i++ {
		ev := adapters.FPEvent{
			EventID:   fmt.Sprintf("%s-%s-%d", ruleID, org, i),
			RuleID:    ruleID,
			FindingID: fmt.Sprintf("f-%s-%s-%d", ruleID, org, i),
			Outcome:   adapters.OutcomeBlock,
			Timestamp: now,
			Context:   adapters.EventContext{OrgIDHash: org},
		}
		if i < fpCount {
			ev.IsFalsePositive = true
			ev.ReviewedAt = &now
		}
		require.NoError(t, store.RecordEvent(context.Background(), ev))
	}
}

func TestAggregateFPRate_ConsensusFiltersOutlier(t *testing.T) {
	store := &memFPStore{}
	rates := []float64{0.10, 0.12, 0.11, 0.10, 0.13, 0.11, 0.10, 0.12, 0.90, 0.11}
	for i, r := range rates {
		seedOrgEvents(t, store, "MD-001", fmt.Sprintf("org-%d", i), 100, int(r*100))
	}

	engine := &fakeEngine{}
	calStore := &memCalStore{}
	cal := New(store, calStore, engine, nil, DefaultConfig())

	res, err := cal.AggregateFPRate(context.Background(), "MD-001")
	require.NoError(t, err)

	assert.Equal(t, adapters.CalibrationOK, res.Status)
	assert.InDelta(t, 0.11, res.ConsensusFPRate, 0.005)
	assert.Equal(t, 9, res.Contributors)
	assert.GreaterOrEqual(t, res.FilterSummary.OutliersFiltered, 1)
	assert.Contains(t, []string{"medium", "high"}, res.ConfidenceCategory)

	stored, err := calStore.GetCalibrationResult(context.Background(), "MD-001")
	require.NoError(t, err)
	assert.Equal(t, res.ConsensusFPRate, stored.ConsensusFPRate)
}

func TestAggregateFPRate_KAnonymityGate(t *testing.T) {
	store := &memFPStore{}
	for i := 0; i < 5; i++ {
		seedOrgEvents(t, store, "MD-001", fmt.Sprintf("org-%d", i), 10, 1)
	}

	calStore := &memCalStore{}
	cal := New(store, calStore, &fakeEngine{}, nil, DefaultConfig())

	res, err := cal.AggregateFPRate(context.Background(), "MD-001")
	require.NoError(t, err)
	assert.Equal(t, adapters.CalibrationInsufficientKAnonymity, res.Status)
	assert.Equal(t, "insufficient", res.ConfidenceCategory)
	assert.Equal(t, 5, res.Contributors)

	_, err = calStore.GetCalibrationResult(context.Background(), "MD-001")
	assert.ErrorIs(t, err, adapters.ErrNotFound)
}

func TestByzantineFilter_LowReputationDropped(t *testing.T) {
	contributors := make([]Contributor, 0, 10)
	for i := 0; i < 10; i++ {
		rep := 0.9
		if i == 9 {
			rep = 0.1
		}
		contributors = append(contributors, Contributor{
			OrgIDHash: fmt.Sprintf("org-%d", i),
			FPRate:    0.1,
			Weight:    Weight{Weight: 1, ReputationScore: rep},
		})
	}

	trusted, summary := byzantineFilter(contributors, DefaultConfig())
	assert.Len(t, trusted, 9)
	assert.Equal(t, 1, summary.LowReputationFiltered)
	assert.Zero(t, summary.OutliersFiltered)
	assert.InDelta(t, 0.1, summary.FilterRate, 1e-9)
}

func TestByzantineFilter_SmallSampleSkipsOutlierCheck(t *testing.T) {
	contributors := []Contributor{
		{OrgIDHash: "a", FPRate: 0.1, Weight: Weight{Weight: 1, ReputationScore: 0.8}},
		{OrgIDHash: "b", FPRate: 0.1, Weight: Weight{Weight: 1, ReputationScore: 0.8}},
		{OrgIDHash: "c", FPRate: 0.9, Weight: Weight{Weight: 1, ReputationScore: 0.8}},
		{OrgIDHash: "d", FPRate: 0.1, Weight: Weight{Weight: 1, ReputationScore: 0.8}},
	}
	trusted, summary := byzantineFilter(contributors, DefaultConfig())
	assert.Len(t, trusted, 4)
	assert.Zero(t, summary.OutliersFiltered)
}

func TestConsistencyDelta(t *testing.T) {
	cases := []struct {
		dev  float64
		want float64
	}{
		{0.01, 0.05},
		{-0.015, 0.05},
		{0.03, 0.02},
		{0.07, 0.01},
		{0.15, 0},
		{0.25, -0.05},
		{-0.25, -0.05},
		{0.40, -0.10},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, consistencyDelta(tc.dev), "dev=%v", tc.dev)
	}
}

func TestConsistencyUpdater_DeliversCalibrationFeedback(t *testing.T) {
	store := &memFPStore{}
	rates := []float64{0.10, 0.12, 0.11, 0.10, 0.13, 0.11, 0.10, 0.12, 0.90, 0.11}
	for i, r := range rates {
		seedOrgEvents(t, store, "MD-001", fmt.Sprintf("org-%d", i), 100, int(r*100))
	}

	engine := &fakeEngine{}
	updater := NewConsistencyUpdater(engine, 64, 1000)
	defer updater.Close()

	cal := New(store, &memCalStore{}, engine, updater, DefaultConfig())
	_, err := cal.AggregateFPRate(context.Background(), "MD-001")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(engine.received()) == 9
	}, 5*time.Second, 10*time.Millisecond)

	// Everyone within 2% of consensus earns the top delta.
	for _, up := range engine.received() {
		assert.Equal(t, 0.05, up.Delta, "org=%s", up.OrgID)
	}
	assert.Zero(t, updater.Dropped())
}

func TestConsistencyUpdater_OverflowDropsOldest(t *testing.T) {
	engine := &fakeEngine{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	updater := NewConsistencyUpdater(engine, 3, 1000)
	defer updater.Close()

	// First update is popped by the drain loop and parks inside the engine.
	updater.Enqueue(Update{OrgID: "org-0", Delta: 0.05})
	<-engine.started

	for i := 1; i <= 5; i++ {
		updater.Enqueue(Update{OrgID: fmt.Sprintf("org-%d", i), Delta: 0.05})
	}
	assert.Equal(t, int64(2), updater.Dropped())

	close(engine.gate)
	require.Eventually(t, func() bool {
		return len(engine.received()) == 4
	}, 5*time.Second, 10*time.Millisecond)

	got := make([]string, 0, 4)
	for _, up := range engine.received() {
		got = append(got, up.OrgID)
	}
	assert.Equal(t, []string{"org-0", "org-3", "org-4", "org-5"}, got)
}
