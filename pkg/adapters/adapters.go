// Package adapters defines the persistence contracts the oracle depends on
// and the provider families that implement them. Every adapter must be safe
// for concurrent use; every operation takes a context and honors
// cancellation. Infrastructure failures surface as *StoreError so callers
// can fail closed instead of silently dropping state.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider selects an adapter family.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderAWS    Provider = "aws"
	ProviderGCP    Provider = "gcp"
	ProviderOracle Provider = "oracle"
)

// ParseProvider validates a provider name from configuration.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderLocal, ProviderAWS, ProviderGCP, ProviderOracle:
		return Provider(s), nil
	case "":
		return ProviderLocal, nil
	}
	return "", fmt.Errorf("adapters: unknown provider %q", s)
}

// Sentinel errors shared across providers.
var (
	// ErrDuplicateEvent is returned by RecordEvent on an eventId collision.
	// Idempotency is the caller's responsibility.
	ErrDuplicateEvent = errors.New("adapters: duplicate event")

	// ErrNotFound is returned when a finding, consent, or baseline does not
	// exist. Never coerced to success.
	ErrNotFound = errors.New("adapters: not found")
)

// StoreError wraps an infrastructure failure with observability context.
// Callers treat any StoreError as a signal to keep the safe side.
type StoreError struct {
	Source  string
	Code    string
	Context map[string]string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Code)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError builds a StoreError; kv pairs become the context map.
func NewStoreError(source, code string, err error, kv ...string) *StoreError {
	se := &StoreError{Source: source, Code: code, Err: err}
	if len(kv) > 0 {
		se.Context = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			se.Context[kv[i]] = kv[i+1]
		}
	}
	return se
}

// FPStore persists false-positive review events.
type FPStore interface {
	// RecordEvent inserts the event if absent. A known eventId fails with
	// ErrDuplicateEvent; store failures propagate as *StoreError.
	RecordEvent(ctx context.Context, event FPEvent) error

	// MarkFalsePositive flags the unique event owning findingID as a
	// reviewed false positive. ErrNotFound if no such finding exists.
	MarkFalsePositive(ctx context.Context, findingID, reviewedBy, ticket string) error

	// WindowByCount returns the most recent n events for the rule,
	// descending by timestamp, with computed statistics.
	WindowByCount(ctx context.Context, ruleID string, n int) (*FPWindow, error)

	// WindowSince returns all events for the rule at or after since,
	// descending by timestamp.
	WindowSince(ctx context.Context, ruleID string, since time.Time) (*FPWindow, error)

	// IsFalsePositive reports whether the finding was reviewed as a false
	// positive. False when no matching event exists.
	IsFalsePositive(ctx context.Context, ruleID, findingID string) (bool, error)
}

// BlockCounter tracks hourly block counts per (rule, org) pair.
type BlockCounter interface {
	// Increment atomically bumps the counter for the current hour bucket
	// and returns the new count. First touch sets a two-hour expiry.
	Increment(ctx context.Context, ruleID, orgID string) (int64, error)

	// Count returns the current bucket's count; 0 for missing or expired.
	Count(ctx context.Context, ruleID, orgID string) (int64, error)

	// IsCircuitBroken reports Count >= threshold.
	IsCircuitBroken(ctx context.Context, ruleID, orgID string, threshold int64) (bool, error)
}

// ConsentStore records feature-level consent grants per organization.
type ConsentStore interface {
	CheckResourceConsent(ctx context.Context, orgID, feature string) (bool, error)
	GrantConsent(ctx context.Context, orgID, feature, grantedBy string, expiresAt *time.Time) error
	RevokeConsent(ctx context.Context, orgID, feature, revokedBy string) error
	ConsentSummary(ctx context.Context, orgID string) ([]Consent, error)
	CheckMultipleResources(ctx context.Context, orgID string, features []string) (map[string]bool, error)
}

// SecretStore fetches and rotates versioned nonce material.
// Implementations must never return a structurally invalid nonce.
type SecretStore interface {
	GetNonce(ctx context.Context, paramName string) (string, error)

	// RotateNonce stores newValue under the next version of paramName and
	// returns the new parameter name.
	RotateNonce(ctx context.Context, paramName, newValue string) (string, error)

	IsReachable(ctx context.Context) bool
}

// BaselineStore holds opaque versioned baseline documents for drift checks.
type BaselineStore interface {
	// GetBaseline returns nil, nil when the key does not exist.
	GetBaseline(ctx context.Context, key string) ([]byte, error)
	PutBaseline(ctx context.Context, key string, data []byte) error

	// ListBaselines returns known baselines, most recently modified first.
	ListBaselines(ctx context.Context) ([]BaselineInfo, error)
	DeleteBaseline(ctx context.Context, key string) error
}

// CalibrationStore persists consensus calibration results per rule.
type CalibrationStore interface {
	StoreCalibrationResult(ctx context.Context, result CalibrationResult) error

	// GetCalibrationResult returns ErrNotFound when the rule has never been
	// calibrated.
	GetCalibrationResult(ctx context.Context, ruleID string) (*CalibrationResult, error)
	AllCalibrationResults(ctx context.Context) ([]CalibrationResult, error)
}

// Set bundles one adapter of each kind, as produced by a provider factory.
// The oracle owns a Set exclusively for its lifetime.
type Set struct {
	FPStore      FPStore
	BlockCounter BlockCounter
	Consent      ConsentStore
	Secrets      SecretStore
	Baselines    BaselineStore
	Calibration  CalibrationStore
}

// BucketKey builds the hourly block-counter key for a (rule, org) pair.
// An empty orgID maps to "-" so per-rule counters stay well-formed.
func BucketKey(ruleID, orgID string, now time.Time) string {
	if orgID == "" {
		orgID = "-"
	}
	return fmt.Sprintf("%s:%s:%d", ruleID, orgID, now.Unix()/3600)
}

// BucketTTL is how long an hourly bucket lives after first touch.
const BucketTTL = 7200 * time.Second
