package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/mr-tron/base58/base58"
)

// Fingerprint computes the SHA-256 fingerprint of a public key, encoded as
// lowercase hex. Fingerprints are always computed locally from the raw key
// bytes; values received over the network are never trusted.
func Fingerprint(publicKey [32]byte) string {
	sum := sha256.Sum256(publicKey[:])
	return hex.EncodeToString(sum[:])
}

// SafetyCode renders a short base58 form of a key fingerprint for
// out-of-band comparison between users.
func SafetyCode(publicKey [32]byte) string {
	sum := sha256.Sum256(publicKey[:])
	return base58.Encode(sum[:16])
}
