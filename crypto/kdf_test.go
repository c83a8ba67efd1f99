package crypto

import (
	"bytes"
	"testing"
)

// TestDeriveKey32 tests deterministic derivation and context separation
func TestDeriveKey32(t *testing.T) {
	secret := [32]byte{1, 2, 3}
	salt := []byte("0123456789abcdef0123456789abcdef")
	info := KEKInfo("g1", "c1", "alice", "dA")

	first, err := DeriveKey32(secret, salt, info)
	if err != nil {
		t.Fatalf("DeriveKey32() failed: %v", err)
	}

	second, err := DeriveKey32(secret, salt, info)
	if err != nil {
		t.Fatalf("DeriveKey32() failed: %v", err)
	}

	if !bytes.Equal(first[:], second[:]) {
		t.Error("DeriveKey32() is not deterministic")
	}

	tests := []struct {
		name string
		salt []byte
		info []byte
	}{
		{"different salt", []byte("ffffffffffffffffffffffffffffffff"), info},
		{"different group", salt, KEKInfo("g2", "c1", "alice", "dA")},
		{"different conversation", salt, KEKInfo("g1", "c2", "alice", "dA")},
		{"different sender user", salt, KEKInfo("g1", "c1", "bob", "dA")},
		{"different sender device", salt, KEKInfo("g1", "c1", "alice", "dB")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			derived, err := DeriveKey32(secret, tt.salt, tt.info)
			if err != nil {
				t.Fatalf("DeriveKey32() failed: %v", err)
			}
			if bytes.Equal(derived[:], first[:]) {
				t.Error("DeriveKey32() ignored a changed derivation context")
			}
		})
	}
}

// TestDeriveKey32Validation tests input validation
func TestDeriveKey32Validation(t *testing.T) {
	var zero [32]byte
	salt := []byte("0123456789abcdef0123456789abcdef")

	if _, err := DeriveKey32(zero, salt, nil); err == nil {
		t.Error("DeriveKey32() accepted an all-zero secret")
	}

	secret := [32]byte{1}
	if _, err := DeriveKey32(secret, nil, nil); err == nil {
		t.Error("DeriveKey32() accepted an empty salt")
	}
}

// TestKEKInfoUnambiguous tests that field boundaries cannot collide
func TestKEKInfoUnambiguous(t *testing.T) {
	// Same concatenated characters, different field split
	a := KEKInfo("g1x", "c1", "alice", "dA")
	b := KEKInfo("g1", "xc1", "alice", "dA")

	if bytes.Equal(a, b) {
		t.Error("KEKInfo() produced colliding context strings")
	}
}
