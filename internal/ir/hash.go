package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainPayload     = "provsync/payload/v1"
	DomainIdempotency = "provsync/idempotency/v1"
)

// hashWithDomain computes SHA-256 with domain separation:
// SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash computes the content hash of an attribute payload.
// Two submissions with the same hash carry the same change.
func PayloadHash(attrs Attrs) (string, error) {
	if attrs == nil {
		attrs = Attrs{}
	}
	canonical, err := MarshalCanonical(attrs)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// IdempotencyKey identifies one submitted provisioning change:
// target system + entity UID + operation kind + sequence.
func IdempotencyKey(systemID, uid string, kind OperationKind, seq int64) string {
	data, _ := MarshalCanonical(map[string]any{
		"kind":   string(kind),
		"seq":    seq,
		"system": systemID,
		"uid":    uid,
	})
	return hashWithDomain(DomainIdempotency, data)
}

// MustPayloadHash is like PayloadHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPayloadHash(attrs Attrs) string {
	h, err := PayloadHash(attrs)
	if err != nil {
		panic(err)
	}
	return h
}
