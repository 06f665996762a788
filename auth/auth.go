// Package auth implements the two request verification schemes guarding
// sensitive PIV token operations: asymmetric signature auth bound to a
// token's stored 9E public key, and HMAC auth bound to a token's recovery
// secret. Both fail closed with ErrUnauthenticated carrying no detail about
// which check failed; the HTTP layer renders that identically to a missing
// resource so probes cannot learn whether a token exists.
package auth

import (
	"errors"
	"net/http"
	"time"
)

// ErrUnauthenticated is the single failure mode of both schemes.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// MaxDateSkew bounds how far a signed Date header may drift from server
// time. Replaying a captured request outside the window fails verification.
const MaxDateSkew = 5 * time.Minute

// checkDate parses an HTTP Date header and enforces the skew window.
func checkDate(date string, now time.Time) error {
	if date == "" {
		return ErrUnauthenticated
	}
	parsed, err := http.ParseTime(date)
	if err != nil {
		return ErrUnauthenticated
	}
	drift := now.Sub(parsed)
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxDateSkew {
		return ErrUnauthenticated
	}
	return nil
}
