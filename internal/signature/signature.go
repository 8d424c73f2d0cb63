// Package signature verifies HMAC-SHA256 signatures over raw webhook bodies.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrSecretNotConfigured is a configuration error, distinct from a mismatch.
var ErrSecretNotConfigured = errors.New("webhook secret is not configured")

// Verify reports whether signatureHeader is the HMAC-SHA256 of payload under
// secret. The comparison is constant-time. Malformed signatures (non-hex,
// wrong length) are reported as false, never as an error.
//
// Supported formats:
//   - "<hex>" (Razorpay X-Razorpay-Signature)
//   - "sha256=<hex>" (GitHub X-Hub-Signature-256)
func Verify(payload []byte, signatureHeader, secret string) (bool, error) {
	if secret == "" {
		return false, ErrSecretNotConfigured
	}
	if signatureHeader == "" {
		return false, nil
	}

	actual, err := parseSignature(signatureHeader)
	if err != nil || len(actual) != sha256.Size {
		return false, nil
	}
	return subtle.ConstantTimeCompare(compute(payload, secret), actual) == 1, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	return hex.EncodeToString(compute(payload, secret))
}

func compute(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignature(signature string) ([]byte, error) {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	return hex.DecodeString(signature)
}

// Validator binds a secret to Verify. New fails when the secret is empty so
// a misconfigured endpoint is caught at startup.
type Validator struct {
	secret string
}

// New returns a Validator for secret.
func New(secret string) (*Validator, error) {
	if secret == "" {
		return nil, ErrSecretNotConfigured
	}
	return &Validator{secret: secret}, nil
}

// Verify checks signatureHeader against payload.
func (v *Validator) Verify(payload []byte, signatureHeader string) bool {
	ok, err := Verify(payload, signatureHeader, v.secret)
	return err == nil && ok
}
