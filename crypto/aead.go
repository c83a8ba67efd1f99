package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Nonce is a 24-byte value used for XChaCha20-Poly1305 encryption.
type Nonce [24]byte

// NonceSize is the size of an AEAD nonce in bytes.
const NonceSize = chacha20poly1305.NonceSizeX

// KeySize is the size of a symmetric key in bytes.
const KeySize = chacha20poly1305.KeySize

// TagSize is the size of the Poly1305 authentication tag in bytes.
const TagSize = chacha20poly1305.Overhead

// Maximum message size (1MB to prevent excessive memory usage)
const MaxMessageSize = 1024 * 1024

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// NonceFromBytes converts a byte slice into a Nonce, validating its length.
func NonceFromBytes(b []byte) (Nonce, error) {
	if len(b) != NonceSize {
		return Nonce{}, fmt.Errorf("invalid nonce length: %d", len(b))
	}
	var nonce Nonce
	copy(nonce[:], b)
	return nonce, nil
}

// EncryptAEAD encrypts a message with XChaCha20-Poly1305. The additional
// data is authenticated but not encrypted and may be nil.
func EncryptAEAD(key [32]byte, nonce Nonce, plaintext, additional []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty message")
	}

	if len(plaintext) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to construct cipher: %w", err)
	}

	return aead.Seal(nil, nonce[:], plaintext, additional), nil
}

// DecryptAEAD decrypts a message produced by EncryptAEAD. A wrong key,
// wrong nonce, and tampered ciphertext all fail with the same error.
func DecryptAEAD(key [32]byte, nonce Nonce, ciphertext, additional []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, errors.New("ciphertext too short")
	}

	if len(ciphertext) > MaxMessageSize+TagSize {
		return nil, errors.New("ciphertext too large")
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to construct cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, additional)
	if err != nil {
		return nil, errors.New("decryption failed")
	}

	return plaintext, nil
}
