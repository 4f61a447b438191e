// Package sha256 computes content digests for stored pages and archives.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher implements scrape.Hasher with hex-encoded SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return h.HashReader(bytes.NewReader(data))
}

// HashReader digests r until EOF. Large archives go through here without
// being copied again.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	sum := sha256.New()
	if _, err := io.Copy(sum, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
