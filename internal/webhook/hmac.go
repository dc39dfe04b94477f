package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is deliberately uninformative.
var errVerification = errors.New("webhook verification failed")

// verifySharedSecret compares the presented secret in constant time.
func verifySharedSecret(presented, secret string) error {
	if secret == "" || presented == "" {
		return errVerification
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		return errVerification
	}
	return nil
}

// verifyHMACSignature checks an HMAC-SHA256 signature of body. Accepted
// formats are "sha256=<hex>" and plain hex.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedMAC := mac.Sum(nil)

	actualMAC, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(expectedMAC, actualMAC) != 1 {
		return errVerification
	}
	return nil
}

// Sign returns the "sha256=<hex>" signature a worker sends for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
