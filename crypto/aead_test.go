package crypto

import (
	"bytes"
	"testing"
)

// TestEncryptDecryptAEAD tests the symmetric round trip
func TestEncryptDecryptAEAD(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("GenerateSymmetricKey() failed: %v", err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() failed: %v", err)
	}

	plaintext := []byte("hello")

	ciphertext, err := EncryptAEAD(key, nonce, plaintext, nil)
	if err != nil {
		t.Fatalf("EncryptAEAD() failed: %v", err)
	}

	if bytes.Contains(ciphertext, plaintext) {
		t.Error("EncryptAEAD() leaked plaintext into ciphertext")
	}

	decrypted, err := DecryptAEAD(key, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("DecryptAEAD() failed: %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("DecryptAEAD() = %q, expected %q", decrypted, plaintext)
	}
}

// TestDecryptAEADRejections tests that any corruption fails uniformly
func TestDecryptAEADRejections(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("GenerateSymmetricKey() failed: %v", err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() failed: %v", err)
	}

	ciphertext, err := EncryptAEAD(key, nonce, []byte("hello"), []byte("aad"))
	if err != nil {
		t.Fatalf("EncryptAEAD() failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func() ([32]byte, Nonce, []byte, []byte)
	}{
		{
			name: "flipped ciphertext byte",
			mutate: func() ([32]byte, Nonce, []byte, []byte) {
				ct := append([]byte(nil), ciphertext...)
				ct[0] ^= 0x01
				return key, nonce, ct, []byte("aad")
			},
		},
		{
			name: "flipped tag byte",
			mutate: func() ([32]byte, Nonce, []byte, []byte) {
				ct := append([]byte(nil), ciphertext...)
				ct[len(ct)-1] ^= 0x01
				return key, nonce, ct, []byte("aad")
			},
		},
		{
			name: "wrong key",
			mutate: func() ([32]byte, Nonce, []byte, []byte) {
				wrong := key
				wrong[0] ^= 0x01
				return wrong, nonce, ciphertext, []byte("aad")
			},
		},
		{
			name: "wrong nonce",
			mutate: func() ([32]byte, Nonce, []byte, []byte) {
				wrong := nonce
				wrong[0] ^= 0x01
				return key, wrong, ciphertext, []byte("aad")
			},
		},
		{
			name: "wrong additional data",
			mutate: func() ([32]byte, Nonce, []byte, []byte) {
				return key, nonce, ciphertext, []byte("aax")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, n, ct, aad := tt.mutate()
			if _, err := DecryptAEAD(k, n, ct, aad); err == nil {
				t.Error("DecryptAEAD() accepted corrupted input")
			}
		})
	}
}

// TestEncryptAEADValidation tests size limits
func TestEncryptAEADValidation(t *testing.T) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("GenerateSymmetricKey() failed: %v", err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() failed: %v", err)
	}

	if _, err := EncryptAEAD(key, nonce, nil, nil); err == nil {
		t.Error("EncryptAEAD() accepted an empty message")
	}

	oversized := make([]byte, MaxMessageSize+1)
	if _, err := EncryptAEAD(key, nonce, oversized, nil); err == nil {
		t.Error("EncryptAEAD() accepted an oversized message")
	}

	if _, err := DecryptAEAD(key, nonce, []byte("short"), nil); err == nil {
		t.Error("DecryptAEAD() accepted a ciphertext shorter than the tag")
	}
}

// TestNonceFromBytes tests length validation
func TestNonceFromBytes(t *testing.T) {
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() failed: %v", err)
	}

	parsed, err := NonceFromBytes(nonce[:])
	if err != nil {
		t.Fatalf("NonceFromBytes() failed: %v", err)
	}
	if parsed != nonce {
		t.Error("NonceFromBytes() did not round-trip")
	}

	if _, err := NonceFromBytes(nonce[:12]); err == nil {
		t.Error("NonceFromBytes() accepted a short nonce")
	}
}
