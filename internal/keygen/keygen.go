// Package keygen generates the short opaque key used as a URL path and
// relay registration handle. Default generation is derived from a
// github.com/google/uuid value rather than hand-rolling a random-source
// wrapper.
package keygen

import (
	"strings"

	"github.com/google/uuid"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// New returns a random alphanumeric key of the given length (default 6)
// derived from a fresh UUID's entropy.
func New(length int) string {
	if length <= 0 {
		length = 6
	}
	var sb strings.Builder
	for sb.Len() < length {
		raw := uuid.New() // 16 bytes, 122 bits of them random (version 4)
		for _, b := range raw {
			if sb.Len() >= length {
				break
			}
			sb.WriteByte(alphabet[int(b)%len(alphabet)])
		}
	}
	return sb.String()
}
