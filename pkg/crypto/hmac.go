package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
)

// HMACSHA1 computes the HMAC-SHA1 of a message using the given key.
// The session handshake signs the encrypted session material with
// HMAC-SHA1 keyed by the session material itself.
//
// Returns a 20-byte MAC.
func HMACSHA1(key, message []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// HMACEqual compares two MACs for equality in constant time.
// This should be used instead of bytes.Equal to prevent timing attacks.
func HMACEqual(mac1, mac2 []byte) bool {
	return hmac.Equal(mac1, mac2)
}
