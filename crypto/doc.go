// Package crypto implements the cryptographic primitives for the sealcore
// encryption engine.
//
// This package provides key generation, Diffie-Hellman agreement, key
// derivation, authenticated encryption, signatures, and key fingerprinting
// using Go's x/crypto packages. Higher layers (envelope construction, key
// lifecycle, caching) are built entirely on these primitives.
//
// # Core Types
//
//   - [KeyPair]: Curve25519 agreement key pair used for ECDH
//   - [SigningKeyPair]: Ed25519 key pair used for envelope signatures
//   - [Nonce]: 24-byte random nonce for XChaCha20-Poly1305
//   - [Signature]: Ed25519 signature over canonical envelope bytes
//
// # Agreement and Derivation
//
// Message keys are wrapped per recipient under a key-encryption key derived
// from an ephemeral ECDH agreement:
//
//	shared, _ := crypto.DeriveSharedSecret(recipientPublic, ephemeralPrivate)
//	kek, _ := crypto.DeriveKey32(shared, salt, info)
//
// The info parameter binds the derivation to its context (group,
// conversation, sender) so a wrapped key cannot be replayed elsewhere.
//
// # Authenticated Encryption
//
// All symmetric encryption uses XChaCha20-Poly1305 with random 24-byte
// nonces:
//
//	nonce, _ := crypto.GenerateNonce()
//	ciphertext, _ := crypto.EncryptAEAD(key, nonce, plaintext, nil)
//	plaintext, err := crypto.DecryptAEAD(key, nonce, ciphertext, nil)
//
// Decryption failure is indistinguishable between a wrong key and tampered
// ciphertext.
//
// # Fingerprints
//
// Device keys are identified by SHA-256 fingerprints computed locally from
// the raw key bytes. Fingerprints received over the network are never
// trusted; [Fingerprint] is the only source of truth. [SafetyCode] renders
// a short base58 form for out-of-band comparison.
//
// # Secure Memory Handling
//
// Private key material should be wiped once it leaves scope:
//
//	defer crypto.WipeKeyPair(keyPair)
//	defer crypto.ZeroBytes(sharedSecret[:])
package crypto
