package adapters

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProvider(t *testing.T) {
	for _, name := range []string{"local", "aws", "gcp", "oracle"} {
		p, err := ParseProvider(name)
		require.NoError(t, err)
		assert.Equal(t, Provider(name), p)
	}

	p, err := ParseProvider("")
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, p)

	_, err = ParseProvider("azure")
	assert.Error(t, err)
}

func TestBucketKey(t *testing.T) {
	now := time.Unix(7200, 0)
	assert.Equal(t, "rule-a:org-1:2", BucketKey("rule-a", "org-1", now))
	assert.Equal(t, "rule-a:-:2", BucketKey("rule-a", "", now))

	// Same hour, same bucket; next hour rolls over.
	assert.Equal(t, BucketKey("r", "o", now), BucketKey("r", "o", now.Add(59*time.Minute)))
	assert.NotEqual(t, BucketKey("r", "o", now), BucketKey("r", "o", now.Add(time.Hour)))
}

func TestComputeWindow(t *testing.T) {
	reviewed := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	events := []FPEvent{
		{EventID: "e1", IsFalsePositive: true, ReviewedAt: &reviewed},
		{EventID: "e2", ReviewedAt: &reviewed},
		{EventID: "e3"},
		{EventID: "e4", IsFalsePositive: true, ReviewedAt: &reviewed},
	}

	w := ComputeWindow("rule-a", events)
	assert.Equal(t, 4, w.Statistics.Total)
	assert.Equal(t, 2, w.Statistics.FalsePositives)
	assert.Equal(t, 1, w.Statistics.TruePositives)
	assert.Equal(t, 1, w.Statistics.Pending)
	assert.InDelta(t, 2.0/3.0, w.Statistics.ObservedFPR, 1e-9)
}

func TestComputeWindow_AllPending(t *testing.T) {
	w := ComputeWindow("rule-a", []FPEvent{{EventID: "e1"}, {EventID: "e2"}})
	assert.Equal(t, 2, w.Statistics.Pending)
	assert.Zero(t, w.Statistics.ObservedFPR)
}

func TestConsentHolds(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	granted := now.Add(-24 * time.Hour)

	base := Consent{OrgID: "org-1", Feature: "calibration", Granted: true, GrantedAt: granted}
	assert.True(t, base.Holds(now, "calibration"))
	assert.True(t, base.Holds(now, ""), "empty feature matches any grant")
	assert.False(t, base.Holds(now, "telemetry"))

	resources := base
	resources.Resources = []string{"telemetry", "export"}
	assert.True(t, resources.Holds(now, "telemetry"))

	expired := base
	exp := now.Add(-time.Minute)
	expired.ExpiresAt = &exp
	assert.False(t, expired.Holds(now, "calibration"))

	notYetExpired := base
	future := now.Add(time.Minute)
	notYetExpired.ExpiresAt = &future
	assert.True(t, notYetExpired.Holds(now, "calibration"))

	revoked := base
	rev := granted.Add(time.Hour)
	revoked.RevokedAt = &rev
	assert.False(t, revoked.Holds(now, "calibration"), "revocation after grant wins")

	regranted := revoked
	regranted.GrantedAt = rev.Add(time.Hour)
	assert.True(t, regranted.Holds(now, "calibration"), "fresh grant overrides older revocation")

	assert.False(t, Consent{Feature: "calibration"}.Holds(now, "calibration"))
}

func TestStoreError(t *testing.T) {
	cause := errors.New("connection refused")
	se := NewStoreError("dynamodb", "PUT_FAILED", cause, "table", "fp-events")

	assert.Equal(t, "dynamodb: PUT_FAILED: connection refused", se.Error())
	assert.Equal(t, "fp-events", se.Context["table"])
	assert.ErrorIs(t, se, cause)

	var target *StoreError
	assert.ErrorAs(t, error(se), &target)

	bare := NewStoreError("s3", "GET_FAILED", nil)
	assert.Equal(t, "s3: GET_FAILED", bare.Error())
	assert.Nil(t, bare.Context)
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1}
	b := map[string]any{"a": 1, "b": 2}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHashOrgID(t *testing.T) {
	h1 := HashOrgID("org-1")
	h2 := HashOrgID("org-1")
	h3 := HashOrgID("org-2")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
	assert.NotContains(t, h1, "org-1")
}
