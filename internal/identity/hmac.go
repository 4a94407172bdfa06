package identity

import (
	"crypto/hmac"
	"crypto/sha512"
)

// hmacSHA512 tags an audit row's canonical bytes under the device's
// HKDF-derived key.
func hmacSHA512(key, message []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// hmacEqual is a constant-time comparison to avoid leaking tag-matching
// progress through timing.
func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
