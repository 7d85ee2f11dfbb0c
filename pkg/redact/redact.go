// Package redact brands and validates redacted evidence text with
// HMAC-SHA256 keyed by versioned nonce material.
//
// A RedactedText produced under nonce version v keeps validating for as
// long as v remains in the cache (grace period); new redactions always bind
// to the latest cached version. All MAC comparisons are constant-time.
package redact

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/phasemirror/dissonance/pkg/nonce"
)

// brandLabel is the fixed message whose HMAC forms the brand field.
const brandLabel = "PHASE_MIRROR_REDACTED"

// Pattern is one redaction rule: every regex match is replaced globally.
type Pattern struct {
	Regex       *regexp.Regexp
	Replacement string
}

// MustPattern compiles expr or panics; for package-level pattern tables.
func MustPattern(expr, replacement string) Pattern {
	return Pattern{Regex: regexp.MustCompile(expr), Replacement: replacement}
}

// RedactedText is an immutable branded redaction product.
//
// brand = HMAC(nonce_v, brandLabel); mac = HMAC(nonce_v, value).
type RedactedText struct {
	Brand         string `json:"brand"`
	MAC           string `json:"mac"`
	NonceVersion  int    `json:"nonceVersion"`
	Value         string `json:"value"`
	RedactionHits int    `json:"redactionHits"`
}

// Redactor produces and validates RedactedText against a nonce cache.
type Redactor struct {
	cache *nonce.Cache
}

// New builds a Redactor over the given cache. The cache stays owned by the
// caller; the redactor never mutates it.
func New(cache *nonce.Cache) *Redactor {
	return &Redactor{cache: cache}
}

// Redact applies each pattern globally in order, counts hits, and brands
// the result under the latest valid nonce. Fails with
// nonce.ErrNoValidNonce when the cache holds no unexpired entry.
func (r *Redactor) Redact(input string, patterns []Pattern) (*RedactedText, error) {
	latest, err := r.cache.Latest()
	if err != nil {
		return nil, fmt.Errorf("redact: %w", err)
	}

	value := input
	hits := 0
	for _, p := range patterns {
		hits += len(p.Regex.FindAllStringIndex(value, -1))
		value = p.Regex.ReplaceAllString(value, p.Replacement)
	}

	return &RedactedText{
		Brand:         hmacHex(latest.Value, brandLabel),
		MAC:           hmacHex(latest.Value, value),
		NonceVersion:  latest.Version,
		Value:         value,
		RedactionHits: hits,
	}, nil
}

// Validate checks the structural shape of rt and then tries the brand
// against every cached unexpired nonce version. The candidate's own
// NonceVersion field is never used for lookup; validation is O(cached
// versions) by design.
func (r *Redactor) Validate(rt *RedactedText) bool {
	if !structurallyValid(rt) {
		return false
	}
	for _, rec := range r.cache.Valid() {
		if constantTimeHexEqual(rt.Brand, hmacHex(rec.Value, brandLabel)) {
			return true
		}
	}
	return false
}

// Verify recomputes the expected MAC over the supplied original text and
// accepts the first cached version whose brand and MAC both match. A
// candidate whose MAC was produced over a different text, or under a nonce
// no longer cached, fails.
func (r *Redactor) Verify(rt *RedactedText, original string) bool {
	if !structurallyValid(rt) {
		return false
	}
	for _, rec := range r.cache.Valid() {
		if constantTimeHexEqual(rt.Brand, hmacHex(rec.Value, brandLabel)) &&
			constantTimeHexEqual(rt.MAC, hmacHex(rec.Value, original)) {
			return true
		}
	}
	return false
}

func structurallyValid(rt *RedactedText) bool {
	if rt == nil || rt.NonceVersion < 1 {
		return false
	}
	return isHex(rt.Brand, sha256.Size*2) && isHex(rt.MAC, sha256.Size*2)
}

func isHex(s string, wantLen int) bool {
	if len(s) != wantLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func hmacHex(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// constantTimeHexEqual compares two hex MACs without leaking timing.
// Mismatched lengths return false immediately; length is not secret.
func constantTimeHexEqual(a, b string) bool {
	ab, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	if len(ab) != len(bb) {
		return false
	}
	return hmac.Equal(ab, bb)
}
