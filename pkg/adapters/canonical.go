package adapters

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalHash returns the hex SHA-256 of the RFC 8785 canonical JSON form
// of v. Used to derive stable orgIdHash values and finding fingerprints so
// that the same logical context always hashes identically regardless of map
// iteration order.
func CanonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("adapters: marshal for canonical hash: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("adapters: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashOrgID derives the anonymized orgIdHash stored on events.
func HashOrgID(orgID string) string {
	h, err := CanonicalHash(map[string]string{"org": orgID})
	if err != nil {
		// Marshal of a string map cannot fail; keep the signature simple.
		sum := sha256.Sum256([]byte(orgID))
		return hex.EncodeToString(sum[:])
	}
	return h
}
