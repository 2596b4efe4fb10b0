// Package digest computes the deterministic SHA-256 digests that feed the
// batch integrity pipeline, and converts them into the fixed-width form a
// ledger contract stores.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Size is the length of a hex-encoded SHA-256 digest.
const Size = sha256.Size * 2

var (
	// ErrSerialization is returned when a record holds a value that cannot be
	// canonically serialized (NaN, Inf, channels, functions, ...).
	ErrSerialization = errors.New("record is not serializable")

	// ErrInvalidDigestLength is returned when a digest is not exactly 64 hex
	// characters once the optional 0x prefix is removed.
	ErrInvalidDigestLength = errors.New("invalid digest length")
)

// Canonical returns the canonical JSON encoding of v: object keys sorted by
// name at every depth, no insignificant whitespace, no HTML escaping.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// HashRecord returns the lowercase hex SHA-256 of the canonical encoding of
// record. Field order in the map never affects the result.
func HashRecord(record map[string]any) (string, error) {
	return HashPayload(record)
}

// HashPayload digests any JSON-serializable document through the same
// canonicalization as HashRecord.
func HashPayload(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Normalize strips an optional 0x prefix, lowercases the digest and checks
// that exactly 64 hex characters remain.
func Normalize(h string) (string, error) {
	h = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(h), "0x"), "0X")
	if len(h) != Size {
		return "", fmt.Errorf("%w: got %d hex characters, want %d", ErrInvalidDigestLength, len(h), Size)
	}
	h = strings.ToLower(h)
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDigestLength, err)
	}
	return h, nil
}

// ToBytes32 decodes a 64-hex digest (optionally 0x-prefixed) into the 32-byte
// value stored on the ledger.
func ToBytes32(h string) ([32]byte, error) {
	var out [32]byte
	norm, err := Normalize(h)
	if err != nil {
		return out, err
	}
	b, _ := hex.DecodeString(norm)
	copy(out[:], b)
	return out, nil
}

// LedgerHex returns the 0x-prefixed bytes32 form of a digest.
func LedgerHex(h string) (string, error) {
	norm, err := Normalize(h)
	if err != nil {
		return "", err
	}
	return "0x" + norm, nil
}
