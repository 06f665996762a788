package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// HMACScheme is the Authorization scheme token for recovery auth. It exists
// as a second, independent scheme because the recover action must work when
// the original signing key is lost or physically destroyed.
const HMACScheme = "HMAC"

// VerifyHMAC checks that the Authorization header carries an HMAC-SHA256
// over the request's Date header keyed with the out-of-band-delivered
// recovery secret. Comparison is constant time; any failure yields
// ErrUnauthenticated.
func VerifyHMAC(secret, date, authorization string) error {
	if secret == "" {
		return ErrUnauthenticated
	}
	if err := checkDate(date, time.Now()); err != nil {
		return err
	}

	got, err := parseScheme(authorization, HMACScheme)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(date))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrUnauthenticated
	}
	return nil
}

// ComputeHMAC produces the Authorization header value for recovery auth.
func ComputeHMAC(secret, date string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(date))
	return HMACScheme + " " + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
