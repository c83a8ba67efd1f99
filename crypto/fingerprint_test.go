package crypto

import (
	"testing"
)

// TestFingerprint tests determinism and format
func TestFingerprint(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() failed: %v", err)
	}

	fp := Fingerprint(kp.Public)
	if len(fp) != 64 {
		t.Errorf("Fingerprint() length = %d, expected 64 hex characters", len(fp))
	}

	if fp != Fingerprint(kp.Public) {
		t.Error("Fingerprint() is not deterministic")
	}

	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() failed: %v", err)
	}

	if Fingerprint(other.Public) == fp {
		t.Error("Fingerprint() collided for distinct keys")
	}
}

// TestSafetyCode tests the short display form
func TestSafetyCode(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() failed: %v", err)
	}

	code := SafetyCode(kp.Public)
	if code == "" {
		t.Error("SafetyCode() returned an empty code")
	}

	if code != SafetyCode(kp.Public) {
		t.Error("SafetyCode() is not deterministic")
	}

	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() failed: %v", err)
	}

	if SafetyCode(other.Public) == code {
		t.Error("SafetyCode() collided for distinct keys")
	}
}
