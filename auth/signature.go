package auth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SignatureScheme is the Authorization scheme token for signature auth.
const SignatureScheme = "Signature"

// VerifySignedDate checks that the Authorization header carries a valid
// signature over the request's Date header, made with the private
// counterpart of the given public key (SSH authorized-keys wire format, the
// form the 9E slot key is stored in). Any parse or verification failure
// yields ErrUnauthenticated with no further detail.
func VerifySignedDate(authorizedKey, date, authorization string) error {
	if err := checkDate(date, time.Now()); err != nil {
		return err
	}

	sigBlob, err := parseScheme(authorization, SignatureScheme)
	if err != nil {
		return err
	}

	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return ErrUnauthenticated
	}

	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBlob, &sig); err != nil {
		return ErrUnauthenticated
	}
	if err := pubkey.Verify([]byte(date), &sig); err != nil {
		return ErrUnauthenticated
	}
	return nil
}

// SignDate produces the Authorization header value for signature auth.
// Clients (and tests) sign the exact Date header string they send.
func SignDate(signer ssh.Signer, date string) (string, error) {
	sig, err := signer.Sign(rand.Reader, []byte(date))
	if err != nil {
		return "", err
	}
	return SignatureScheme + " " + base64.StdEncoding.EncodeToString(ssh.Marshal(sig)), nil
}

// parseScheme splits "Scheme base64payload" and decodes the payload.
func parseScheme(authorization, scheme string) ([]byte, error) {
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], scheme) {
		return nil, ErrUnauthenticated
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return payload, nil
}
