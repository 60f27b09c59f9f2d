// Package sha256 computes request fingerprints and content digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

// Hasher implements lens.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader digests everything read from r.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	sum := sha256.New()
	n, err := io.Copy(sum, r)
	if err != nil {
		return "", n, fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), n, nil
}

// Fingerprint identifies the work a request asks for. contentDigest, when
// non-empty, is the digest of the downloaded image and replaces its URL.
func (h *Hasher) Fingerprint(req lens.Request, contentDigest string) string {
	sum := sha256.Sum256(req.FingerprintInput(contentDigest))
	return hex.EncodeToString(sum[:])
}
