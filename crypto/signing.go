package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// SigningKeyPair represents an Ed25519 key pair. Seed is the 32-byte
// private seed; the full ed25519 private key is reconstructed from it on
// demand so only 32 bytes ever reach persistent storage.
type SigningKeyPair struct {
	Public [32]byte
	Seed   [32]byte
}

// GenerateSigningKeyPair creates a new random Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	return SigningKeyPairFromSeed(seed)
}

// SigningKeyPairFromSeed deterministically reconstructs a signing key pair
// from its 32-byte seed.
func SigningKeyPairFromSeed(seed [32]byte) (*SigningKeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid signing seed: all zeros")
	}

	private := ed25519.NewKeyFromSeed(seed[:])
	kp := &SigningKeyPair{Seed: seed}
	copy(kp.Public[:], private.Public().(ed25519.PublicKey))
	ZeroBytes(private)

	return kp, nil
}

// Sign creates an Ed25519 signature for a message using the private seed.
func Sign(message []byte, seed [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	private := ed25519.NewKeyFromSeed(seed[:])
	signatureBytes := ed25519.Sign(private, message)
	ZeroBytes(private)

	var signature Signature
	copy(signature[:], signatureBytes)

	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}

	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}
