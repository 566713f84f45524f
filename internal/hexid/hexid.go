// Package hexid generates short random hex identifiers.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns an 8-character lowercase hex string (4 random bytes).
func New() string {
	return NewLen(8)
}

// NewLen returns a lowercase hex string of length n (n/2 random bytes,
// rounded up). Used for short human-facing tags where a UUID is overkill.
func NewLen(n int) string {
	if n < 2 {
		n = 2
	}
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)[:n]
}
