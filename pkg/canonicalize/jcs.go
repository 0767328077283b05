// Package canonicalize produces RFC 8785 canonical JSON for the artifacts
// whose hashes must be reproducible: declaration records, regulation sets
// and audit reports.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the canonical JSON representation of v. Struct tags are
// honoured because v goes through encoding/json first.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns "sha256:<hex>" over the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the prefixed SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ShortHash trims a prefixed digest to n hex characters, for identifiers.
func ShortHash(prefixed string, n int) string {
	const prefix = "sha256:"
	h := prefixed
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		h = h[len(prefix):]
	}
	if n > 0 && n < len(h) {
		return h[:n]
	}
	return h
}
