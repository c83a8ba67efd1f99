package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey32 derives a 32-byte key from input key material using
// HKDF-SHA-256. The salt must be non-empty; info binds the derived key to
// its usage context and must be stable between the deriving parties.
func DeriveKey32(secret [32]byte, salt, info []byte) ([32]byte, error) {
	if isZeroKey(secret) {
		return [32]byte{}, errors.New("invalid input key material: all zeros")
	}
	if len(salt) == 0 {
		return [32]byte{}, errors.New("empty salt")
	}

	reader := hkdf.New(sha256.New, secret[:], salt, info)

	var derived [32]byte
	if _, err := io.ReadFull(reader, derived[:]); err != nil {
		return [32]byte{}, fmt.Errorf("hkdf expansion failed: %w", err)
	}

	return derived, nil
}

// KEKInfo builds the HKDF info string binding a key-encryption key to the
// envelope it wraps for: group, conversation, and sending device. Both
// sides must derive the identical string or unwrapping fails.
func KEKInfo(groupID, convID, senderUserID, senderDeviceID string) []byte {
	// NUL-separated fields after a fixed version tag, same framing on
	// the wrap and unwrap sides.
	b := make([]byte, 0, 16+len(groupID)+len(convID)+len(senderUserID)+len(senderDeviceID)+4)
	b = append(b, []byte("sealcore/kek/v1")...)
	for _, field := range []string{groupID, convID, senderUserID, senderDeviceID} {
		b = append(b, 0)
		b = append(b, []byte(field)...)
	}
	return b
}
