// Package invariant implements the foundation-tier (L0) structural gate that
// runs on every state transition. Check is a pure function with an
// allocation-free happy path; diagnostic maps are populated only on failure.
// Integrators must treat a failed check as fatal for the state and must not
// persist or act on it.
package invariant

import (
	"fmt"
	"math"
	"time"
)

// Check names, reported in fixed evaluation order.
const (
	CheckSchemaHash     = "schema_hash"
	CheckPermissionBits = "reserved_permission_bits"
	CheckDriftBounds    = "drift_bounds"
	CheckNonceAge       = "nonce_age"
	CheckWitnessScore   = "witness_score"
)

// MaxDriftMagnitude is the hard ceiling on tolerated drift.
const MaxDriftMagnitude = 0.3

// NonceMaxAge bounds nonce age: [0, 1h) in milliseconds.
const NonceMaxAge = 3_600_000 * time.Millisecond

// reservedBitsMask covers the upper 4 of the 16 permission bits, which must
// stay zero until allocated.
const reservedBitsMask uint16 = 0xF000

// schemaHashes pins the expected schema hash per schema version. A state
// claiming an unknown version fails the schema check.
var schemaHashes = map[int]string{
	1: "8a3e9b5f1c42d7a60f9e8b21c5d4a3f6e7b8c9d0a1b2c3d4e5f60718293a4b5c",
	2: "f1e2d3c4b5a697887766554433221100ffeeddccbbaa99887766554433221100",
}

// Nonce is the versioned secret reference carried by a state.
type Nonce struct {
	Value    string `json:"value"`    // hex, 64 chars
	IssuedAt int64  `json:"issuedAt"` // unix milliseconds
}

// State is the immutable input to the L0 gate.
type State struct {
	SchemaVersion           int      `json:"schemaVersion"`
	SchemaHash              string   `json:"schemaHash"`
	PermissionBits          uint16   `json:"permissionBits"`
	DriftMagnitude          float64  `json:"driftMagnitude"`
	Nonce                   Nonce    `json:"nonce"`
	ContractionWitnessScore *float64 `json:"contractionWitnessScore,omitempty"`
}

// Result reports the outcome of the gate. FailedChecks and Violations are
// nil when every check passes.
type Result struct {
	Passed       bool
	FailedChecks []string
	Violations   map[string]string
}

// Check runs the five L0 checks in fixed order and reports every failure.
func Check(s *State, now time.Time) Result {
	res := Result{Passed: true}

	if expected, ok := schemaHashes[s.SchemaVersion]; !ok || s.SchemaHash != expected {
		res.fail(CheckSchemaHash, fmt.Sprintf("schema hash mismatch for version %d", s.SchemaVersion))
	}
	if s.PermissionBits&reservedBitsMask != 0 {
		res.fail(CheckPermissionBits, fmt.Sprintf("reserved bits set: %#04x", s.PermissionBits&reservedBitsMask))
	}
	if s.DriftMagnitude < 0 || s.DriftMagnitude > MaxDriftMagnitude || math.IsNaN(s.DriftMagnitude) {
		res.fail(CheckDriftBounds, fmt.Sprintf("drift magnitude %v outside [0, %v]", s.DriftMagnitude, MaxDriftMagnitude))
	}
	age := now.UnixMilli() - s.Nonce.IssuedAt
	if age < 0 || age >= NonceMaxAge.Milliseconds() || !isHex64(s.Nonce.Value) {
		res.fail(CheckNonceAge, fmt.Sprintf("nonce age %dms outside [0, %dms) or malformed value", age, NonceMaxAge.Milliseconds()))
	}
	if s.ContractionWitnessScore != nil && *s.ContractionWitnessScore != 1.0 {
		res.fail(CheckWitnessScore, fmt.Sprintf("witness score %v, want exactly 1.0", *s.ContractionWitnessScore))
	}

	return res
}

func (r *Result) fail(check, detail string) {
	r.Passed = false
	r.FailedChecks = append(r.FailedChecks, check)
	if r.Violations == nil {
		r.Violations = make(map[string]string, 1)
	}
	r.Violations[check] = detail
}

// isHex64 reports whether s is exactly 64 lowercase-or-uppercase hex chars.
// Written without regexp so the happy path stays allocation-free.
func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// SchemaHashFor exposes the pinned hash for a version, for constructing
// valid states in integrators and tests.
func SchemaHashFor(version int) (string, bool) {
	h, ok := schemaHashes[version]
	return h, ok
}
