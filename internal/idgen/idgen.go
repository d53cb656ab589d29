// Package idgen generates the 32-character alphanumeric job IDs the
// broker stamps onto every payload it builds.
package idgen

import (
	"crypto/rand"
	"math/big"
)

const (
	idLength = 32
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// RandomID returns a 32-character alphanumeric string drawn from
// crypto/rand. It is used for tracing, not for uniqueness enforcement:
// the broker never relies on ID collisions being impossible.
func RandomID() string {
	b := make([]byte, idLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand failing is unrecoverable
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b)
}
