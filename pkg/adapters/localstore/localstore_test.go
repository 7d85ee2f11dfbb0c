package localstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func openSet(t *testing.T) (adapters.Set, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	set, err := Open(t.TempDir(), WithClock(clock))
	require.NoError(t, err)
	return set, clock
}

func event(eventID, ruleID, findingID string, at time.Time) adapters.FPEvent {
	return adapters.FPEvent{
		EventID:   eventID,
		RuleID:    ruleID,
		FindingID: findingID,
		Outcome:   adapters.OutcomeBlock,
		Timestamp: at,
		Context: adapters.EventContext{
			OrgIDHash: adapters.HashOrgID("org-1"),
			RepoID:    "repo-1",
			Branch:    "main",
			EventType: "pull_request",
		},
	}
}

func TestFPStore_RecordMarkWindow(t *testing.T) {
	set, clock := openSet(t)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, set.FPStore.RecordEvent(ctx, event("e1", "MD-001", "F1", now.Add(-2*time.Minute))))
	require.NoError(t, set.FPStore.RecordEvent(ctx, event("e2", "MD-001", "F2", now.Add(-time.Minute))))
	require.NoError(t, set.FPStore.RecordEvent(ctx, event("e3", "MD-002", "F3", now)))

	// Duplicate eventId fails verbatim.
	err := set.FPStore.RecordEvent(ctx, event("e1", "MD-001", "F9", now))
	assert.ErrorIs(t, err, adapters.ErrDuplicateEvent)

	// Unreviewed finding is not a false positive.
	fp, err := set.FPStore.IsFalsePositive(ctx, "MD-001", "F1")
	require.NoError(t, err)
	assert.False(t, fp)

	require.NoError(t, set.FPStore.MarkFalsePositive(ctx, "F1", "reviewer@org", "TICKET-7"))
	fp, err = set.FPStore.IsFalsePositive(ctx, "MD-001", "F1")
	require.NoError(t, err)
	assert.True(t, fp)

	err = set.FPStore.MarkFalsePositive(ctx, "missing", "reviewer@org", "")
	assert.ErrorIs(t, err, adapters.ErrNotFound)

	w, err := set.FPStore.WindowByCount(ctx, "MD-001", 10)
	require.NoError(t, err)
	require.Len(t, w.Events, 2)
	// Descending by timestamp.
	assert.Equal(t, "e2", w.Events[0].EventID)
	assert.Equal(t, "e1", w.Events[1].EventID)
	assert.Equal(t, 2, w.Statistics.Total)
	assert.Equal(t, 1, w.Statistics.FalsePositives)
	assert.Equal(t, 1, w.Statistics.Pending)
	// FPR = fp / max(1, total-pending).
	assert.InDelta(t, 1.0, w.Statistics.ObservedFPR, 1e-9)

	w, err = set.FPStore.WindowSince(ctx, "MD-001", now.Add(-90*time.Second))
	require.NoError(t, err)
	require.Len(t, w.Events, 1)
	assert.Equal(t, "e2", w.Events[0].EventID)
}

func TestBlockCounter_BucketsAndExpiry(t *testing.T) {
	set, clock := openSet(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		n, err := set.BlockCounter.Increment(ctx, "MD-003", "org1")
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	count, err := set.BlockCounter.Count(ctx, "MD-003", "org1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	// Different rule or org does not contribute.
	other, err := set.BlockCounter.Count(ctx, "MD-003", "org2")
	require.NoError(t, err)
	assert.Zero(t, other)

	broken, err := set.BlockCounter.IsCircuitBroken(ctx, "MD-003", "org1", 5)
	require.NoError(t, err)
	assert.True(t, broken)
	broken, err = set.BlockCounter.IsCircuitBroken(ctx, "MD-003", "org1", 6)
	require.NoError(t, err)
	assert.False(t, broken)

	// A new hour lands in a fresh bucket.
	clock.Advance(time.Hour)
	count, err = set.BlockCounter.Count(ctx, "MD-003", "org1")
	require.NoError(t, err)
	assert.Zero(t, count)

	// After the bucket TTL the old bucket is gone for good.
	clock.Advance(3 * time.Hour)
	n, err := set.BlockCounter.Increment(ctx, "MD-003", "org1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBlockCounter_ConcurrentIncrements(t *testing.T) {
	set, _ := openSet(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := set.BlockCounter.Increment(ctx, "MD-001", "org1")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	count, err := set.BlockCounter.Count(ctx, "MD-001", "org1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), count)
}

func TestConsent_GrantRevokeExpiry(t *testing.T) {
	set, clock := openSet(t)
	ctx := context.Background()

	ok, err := set.Consent.CheckResourceConsent(ctx, "org1", "calibration")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, set.Consent.GrantConsent(ctx, "org1", "calibration", "admin-hash", nil))
	ok, err = set.Consent.CheckResourceConsent(ctx, "org1", "calibration")
	require.NoError(t, err)
	assert.True(t, ok)

	// Revocation is sticky until an explicit re-grant.
	require.NoError(t, set.Consent.RevokeConsent(ctx, "org1", "calibration", "admin-hash"))
	ok, err = set.Consent.CheckResourceConsent(ctx, "org1", "calibration")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Second)
	require.NoError(t, set.Consent.GrantConsent(ctx, "org1", "calibration", "admin-hash", nil))
	ok, err = set.Consent.CheckResourceConsent(ctx, "org1", "calibration")
	require.NoError(t, err)
	assert.True(t, ok)

	// Expiration uses now < expiresAt.
	exp := clock.Now().Add(time.Hour)
	require.NoError(t, set.Consent.GrantConsent(ctx, "org1", "telemetry", "admin-hash", &exp))
	ok, err = set.Consent.CheckResourceConsent(ctx, "org1", "telemetry")
	require.NoError(t, err)
	assert.True(t, ok)
	clock.Advance(time.Hour)
	ok, err = set.Consent.CheckResourceConsent(ctx, "org1", "telemetry")
	require.NoError(t, err)
	assert.False(t, ok)

	multi, err := set.Consent.CheckMultipleResources(ctx, "org1", []string{"calibration", "telemetry", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"calibration": true, "telemetry": false, "unknown": false}, multi)

	summary, err := set.Consent.ConsentSummary(ctx, "org1")
	require.NoError(t, err)
	assert.Len(t, summary, 2)
}

func TestSecretStore_GetRotate(t *testing.T) {
	set, _ := openSet(t)
	ctx := context.Background()
	local := set.Secrets.(*SecretStore)

	value := strings.Repeat("ab", 32)
	require.NoError(t, local.SeedNonce("/pmd/nonce/v1", value))

	got, err := set.Secrets.GetNonce(ctx, "/pmd/nonce/v1")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	_, err = set.Secrets.GetNonce(ctx, "/pmd/nonce/v9")
	assert.ErrorIs(t, err, adapters.ErrNotFound)

	next := strings.Repeat("cd", 32)
	nextName, err := set.Secrets.RotateNonce(ctx, "/pmd/nonce/v1", next)
	require.NoError(t, err)
	assert.Equal(t, "/pmd/nonce/v2", nextName)

	got, err = set.Secrets.GetNonce(ctx, nextName)
	require.NoError(t, err)
	assert.Equal(t, next, got)

	assert.True(t, set.Secrets.IsReachable(ctx))
}

func TestBaselineStore_Versioning(t *testing.T) {
	set, clock := openSet(t)
	ctx := context.Background()

	data, err := set.Baselines.GetBaseline(ctx, "baselines/MD-001.json")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, set.Baselines.PutBaseline(ctx, "baselines/MD-001.json", []byte(`{"drift":0.1}`)))
	clock.Advance(time.Minute)
	require.NoError(t, set.Baselines.PutBaseline(ctx, "baselines/MD-002.json", []byte(`{"drift":0.2}`)))
	clock.Advance(time.Minute)
	require.NoError(t, set.Baselines.PutBaseline(ctx, "baselines/MD-001.json", []byte(`{"drift":0.15}`)))

	data, err = set.Baselines.GetBaseline(ctx, "baselines/MD-001.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"drift":0.15}`, string(data))

	list, err := set.Baselines.ListBaselines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Most recently modified first; the updated key carries version 2.
	assert.Equal(t, "baselines/MD-001.json", list[0].Key)
	assert.Equal(t, "2", list[0].Version)

	require.NoError(t, set.Baselines.DeleteBaseline(ctx, "baselines/MD-002.json"))
	err = set.Baselines.DeleteBaseline(ctx, "baselines/MD-002.json")
	assert.ErrorIs(t, err, adapters.ErrNotFound)
}

func TestCalibrationStore_RoundTrip(t *testing.T) {
	set, clock := openSet(t)
	ctx := context.Background()

	_, err := set.Calibration.GetCalibrationResult(ctx, "MD-001")
	assert.ErrorIs(t, err, adapters.ErrNotFound)

	result := adapters.CalibrationResult{
		RuleID:             "MD-001",
		Status:             adapters.CalibrationOK,
		ConsensusFPRate:    0.11,
		Contributors:       9,
		EventCount:         120,
		Confidence:         0.74,
		ConfidenceCategory: "high",
		ComputedAt:         clock.Now(),
	}
	require.NoError(t, set.Calibration.StoreCalibrationResult(ctx, result))

	got, err := set.Calibration.GetCalibrationResult(ctx, "MD-001")
	require.NoError(t, err)
	assert.InDelta(t, 0.11, got.ConsensusFPRate, 1e-9)

	// Storing again overwrites in place.
	result.ConsensusFPRate = 0.09
	require.NoError(t, set.Calibration.StoreCalibrationResult(ctx, result))
	all, err := set.Calibration.AllCalibrationResults(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.InDelta(t, 0.09, all[0].ConsensusFPRate, 1e-9)
}

func TestCancelledContextRejected(t *testing.T) {
	set, _ := openSet(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := set.BlockCounter.Increment(ctx, "MD-001", "org1")
	assert.ErrorIs(t, err, context.Canceled)
	err = set.FPStore.RecordEvent(ctx, event("e1", "MD-001", "F1", time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}
