package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for a future algorithm change.
const (
	DomainSource    = "funf/source/v1"
	DomainRequester = "funf/requester/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest hashes the canonical form of v under the given domain.
func Digest(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// SourceKey is the persistence namespace for a source instance: the type
// followed by the hash of its canonical configuration. The same
// (type, config) pair maps to the same key across restarts, so requests
// and checkpoints written by one process are found by the next.
func SourceKey(spec SourceSpec) (string, error) {
	canonical, err := CanonicalConfig(spec)
	if err != nil {
		return "", err
	}
	return spec.Type + "/" + hashWithDomain(DomainSource, []byte(canonical))[:32], nil
}

// MustSourceKey is like SourceKey but panics on error.
// Use only in tests or when the source spec is known to be valid.
func MustSourceKey(spec SourceSpec) string {
	key, err := SourceKey(spec)
	if err != nil {
		panic(err)
	}
	return key
}
