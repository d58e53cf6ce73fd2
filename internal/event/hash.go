package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainChecksum prefixes every event checksum. The version suffix allows
// the algorithm to change without colliding with old digests.
const DomainChecksum = "offsync/event/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum computes the digest of an event payload captured at timestamp
// (unix milliseconds). It depends only on the logical content, so key order
// and Unicode normalization form of the input do not matter.
func Checksum(data map[string]any, timestamp int64) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"data":      data,
		"timestamp": timestamp,
	})
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hashWithDomain(DomainChecksum, canonical), nil
}

// MustChecksum is like Checksum but panics on error.
// Use only in tests or when the payload is known to be valid JSON.
func MustChecksum(data map[string]any, timestamp int64) string {
	sum, err := Checksum(data, timestamp)
	if err != nil {
		panic(err)
	}
	return sum
}
