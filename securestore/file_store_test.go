package securestore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, dir string, password string) *FileStore {
	t.Helper()

	fs, err := NewFileStore(dir, []byte(password))
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	return fs
}

// TestFileStoreWriteRead tests the basic round trip
func TestFileStoreWriteRead(t *testing.T) {
	fs := newTestStore(t, t.TempDir(), "test-password")
	defer fs.Close()

	secret := []byte("private key material")
	if err := fs.Write("identity/signing", secret); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	loaded, err := fs.Read("identity/signing")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	if !bytes.Equal(loaded, secret) {
		t.Errorf("Read() = %q, expected %q", loaded, secret)
	}
}

// TestFileStoreReadMissing tests the not-found contract
func TestFileStoreReadMissing(t *testing.T) {
	fs := newTestStore(t, t.TempDir(), "test-password")
	defer fs.Close()

	if _, err := fs.Read("never-written"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read() on missing value = %v, expected ErrNotFound", err)
	}
}

// TestFileStoreEncryptedAtRest tests that plaintext never touches disk
func TestFileStoreEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStore(t, dir, "test-password")
	defer fs.Close()

	secret := []byte("very recognizable plaintext")
	if err := fs.Write("value", secret); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		t.Fatalf("Glob() failed: %v", err)
	}

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("ReadFile(%s) failed: %v", file, err)
		}
		if bytes.Contains(data, secret) {
			t.Errorf("plaintext found on disk in %s", file)
		}
	}
}

// TestFileStoreWrongPassword tests that a wrong password cannot decrypt
func TestFileStoreWrongPassword(t *testing.T) {
	dir := t.TempDir()

	fs := newTestStore(t, dir, "correct-password")
	if err := fs.Write("value", []byte("secret")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	fs.Close()

	wrong := newTestStore(t, dir, "wrong-password")
	defer wrong.Close()

	if _, err := wrong.Read("value"); err == nil {
		t.Error("Read() succeeded with the wrong password")
	}
}

// TestFileStorePersistsAcrossReopen tests reopening with the same password
func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	fs := newTestStore(t, dir, "stable-password")
	if err := fs.Write("value", []byte("survives restart")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	fs.Close()

	reopened := newTestStore(t, dir, "stable-password")
	defer reopened.Close()

	loaded, err := reopened.Read("value")
	if err != nil {
		t.Fatalf("Read() after reopen failed: %v", err)
	}
	if string(loaded) != "survives restart" {
		t.Errorf("Read() after reopen = %q", loaded)
	}
}

// TestFileStoreCorruptedValue tests that tampering is detected
func TestFileStoreCorruptedValue(t *testing.T) {
	dir := t.TempDir()
	fs := newTestStore(t, dir, "test-password")
	defer fs.Close()

	if err := fs.Write("value", []byte("secret")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*"+valueExtension))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one value file, got %v (err %v)", files, err)
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(files[0], data, 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	if _, err := fs.Read("value"); err == nil {
		t.Error("Read() accepted a corrupted value file")
	}
}

// TestFileStoreDelete tests removal semantics
func TestFileStoreDelete(t *testing.T) {
	fs := newTestStore(t, t.TempDir(), "test-password")
	defer fs.Close()

	if err := fs.Write("value", []byte("secret")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if err := fs.Delete("value"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if _, err := fs.Read("value"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read() after delete = %v, expected ErrNotFound", err)
	}

	// Deleting a missing value is not an error
	if err := fs.Delete("value"); err != nil {
		t.Errorf("Delete() on missing value failed: %v", err)
	}
}

// TestFileStoreRotateMasterPassword tests key rotation preserves values
func TestFileStoreRotateMasterPassword(t *testing.T) {
	dir := t.TempDir()

	fs := newTestStore(t, dir, "old-password")
	if err := fs.Write("first", []byte("alpha")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := fs.Write("second", []byte("beta")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if err := fs.RotateMasterPassword([]byte("new-password")); err != nil {
		t.Fatalf("RotateMasterPassword() failed: %v", err)
	}

	// Values readable through the live store after rotation
	loaded, err := fs.Read("first")
	if err != nil || string(loaded) != "alpha" {
		t.Fatalf("Read() after rotation = %q, %v", loaded, err)
	}
	fs.Close()

	// And through a fresh store opened with the new password
	reopened := newTestStore(t, dir, "new-password")
	defer reopened.Close()

	loaded, err = reopened.Read("second")
	if err != nil || string(loaded) != "beta" {
		t.Fatalf("Read() with new password = %q, %v", loaded, err)
	}
}

// TestFileStoreEmptyPassword tests constructor validation
func TestFileStoreEmptyPassword(t *testing.T) {
	if _, err := NewFileStore(t.TempDir(), nil); err == nil {
		t.Error("NewFileStore() accepted an empty master password")
	}
}
