// ABOUTME: Content hashing for the import idempotency ledger: SHA-256 over
// ABOUTME: the RFC 8785 (JCS) canonical form of the batch JSON.
package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	jsoncanonical "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// ContentHash returns the hex-encoded SHA-256 of the JCS canonicalization of
// raw. Canonicalizing first makes the hash independent of key order and
// whitespace, so re-serialized but semantically identical batches dedup while
// any material change produces a new hash.
func ContentHash(raw []byte) (string, error) {
	canonical, err := jsoncanonical.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize batch: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
