// Package capability implements the token-guarded control surface every
// worker process shares: authentication, session redirection and the
// terminate watchdog.
package capability

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"math/big"
)

// ErrBadToken is returned when a caller presents the wrong token.
var ErrBadToken = errors.New("invalid authentication token")

var tokenLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// NewToken returns a random 128-bit integer rendered in decimal.
func NewToken() (string, error) {
	n, err := rand.Int(rand.Reader, tokenLimit)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

// Equal compares two tokens in constant time. An empty expected token
// never matches.
func Equal(expected, presented string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
