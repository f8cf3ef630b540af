package eventbus

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

// newSHA256HMAC returns an HMAC-SHA256 hasher keyed by secret, used to sign
// and verify audit-stream records.
func newSHA256HMAC(secret []byte) hash.Hash {
	return hmac.New(sha256.New, secret)
}
