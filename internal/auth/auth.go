// Package auth implements shared-token checks for agent sessions and the
// optional bearer guard in front of the dashboard API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashToken returns the hex SHA-256 of a token. Only hashes are kept in
// memory past startup; registry entries carry the hash, never the token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokenVerifier checks presented tokens against a fixed set of accepted
// tokens in constant time.
type TokenVerifier struct {
	sums [][sha256.Size]byte
}

// NewTokenVerifier builds a verifier. Empty tokens are ignored, so a verifier
// built from no usable tokens accepts nothing.
func NewTokenVerifier(tokens ...string) *TokenVerifier {
	v := &TokenVerifier{}
	for _, t := range tokens {
		if t == "" {
			continue
		}
		v.sums = append(v.sums, sha256.Sum256([]byte(t)))
	}
	return v
}

// Verify reports whether token is accepted and returns its hash.
func (v *TokenVerifier) Verify(token string) (string, bool) {
	if v == nil || token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(token))
	ok := 0
	for i := range v.sums {
		ok |= subtle.ConstantTimeCompare(sum[:], v.sums[i][:])
	}
	if ok != 1 {
		return "", false
	}
	return hex.EncodeToString(sum[:]), true
}

// Empty reports whether the verifier has no accepted tokens.
func (v *TokenVerifier) Empty() bool {
	return v == nil || len(v.sums) == 0
}
