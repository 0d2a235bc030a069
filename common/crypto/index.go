package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HashIndex computes a keyed SHA-256 digest of value, hex encoded.
//
// AES-GCM ciphertexts are non-deterministic (random nonce), so encrypted
// columns cannot be used in WHERE clauses. Stores keep a second column
// holding HashIndex(key, value) next to each encrypted field and run
// equality lookups against that. The key MUST be the same master key used
// for encryption so the index cannot be brute-forced offline without it.
func HashIndex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
