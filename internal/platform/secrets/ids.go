package secrets

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an opaque 32-character hex identifier carrying 128 bits of
// entropy. Used for token ids, request ids, and error correlation ids.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process has no usable entropy
		// source; nothing sensible can be issued after that.
		panic("secrets: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
