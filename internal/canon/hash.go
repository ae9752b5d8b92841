package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashing. The version suffix
// permits future algorithm migration without fingerprint collisions.
const (
	DomainBatch = "mason/batch/v1"
	DomainMatch = "mason/match/v1"
)

// hashWithDomain computes SHA-256 over domain + 0x00 + data. The null
// separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the stable payload fingerprint used by the
// idempotency cache. The value must already be canonical-JSON
// marshalable (maps, slices, strings, integers, bools).
func Fingerprint(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal: %w", err)
	}
	return hashWithDomain(DomainBatch, canonical), nil
}

// MatchKey computes a stable hash over duplicate-match criteria. Used to
// key in-batch registrations so repeated createOrGet operations for the
// same entity resolve to a single creation.
func MatchKey(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("match key: marshal: %w", err)
	}
	return hashWithDomain(DomainMatch, canonical), nil
}
