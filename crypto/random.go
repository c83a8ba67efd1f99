package crypto

import (
	"crypto/rand"
	"fmt"
)

// SaltSize is the size of a key-derivation salt in bytes.
const SaltSize = 32

// GenerateSymmetricKey creates a random 32-byte symmetric key, suitable as
// a message key, a cache master key, or an identity seed.
func GenerateSymmetricKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("failed to read entropy: %w", err)
	}
	return key, nil
}

// GenerateSalt creates a random salt for key derivation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	return salt, nil
}
