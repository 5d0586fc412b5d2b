package hipaa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Pseudonymizer derives stable, non-reversible identifiers from PHI. With a
// key it uses HMAC-SHA-256 so low-entropy inputs cannot be brute forced from
// the digest alone; without one it falls back to plain SHA-256.
type Pseudonymizer struct {
	key []byte
}

func NewPseudonymizer(key string) *Pseudonymizer {
	if key == "" {
		return &Pseudonymizer{}
	}
	return &Pseudonymizer{key: []byte(key)}
}

func (p *Pseudonymizer) Keyed() bool { return p != nil && len(p.key) > 0 }

// Sum returns the lowercase hex digest of data.
func (p *Pseudonymizer) Sum(data []byte) string {
	var h hash.Hash
	if p.Keyed() {
		h = hmac.New(sha256.New, p.key)
	} else {
		h = sha256.New()
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
