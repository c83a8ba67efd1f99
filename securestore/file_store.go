package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/emberchat/sealcore/crypto"
)

// FileStore implements Store on the filesystem. Values are sealed with
// AES-GCM under a key derived from a master password, one file per value;
// the files alone do not reveal the stored secrets.
type FileStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

const (
	// PBKDF2Iterations is the work factor for deriving the at-rest key.
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current encryption format version
	EncryptionVersion = 1
	// derivationSaltSize is the size of the salt for PBKDF2
	derivationSaltSize = 32
	// valueExtension marks encrypted value files in the data directory
	valueExtension = ".sealed"
)

// NewFileStore creates a file-backed store with encryption at rest.
// masterPassword should be a user-provided passphrase or derived from a
// system keyring; it is wiped before NewFileStore returns.
func NewFileStore(dataDir string, masterPassword []byte) (*FileStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fs := &FileStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := fs.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, PBKDF2Iterations, 32, sha256.New)
	copy(fs.encryptionKey[:], derivedKey)

	crypto.ZeroBytes(derivedKey)
	crypto.ZeroBytes(masterPassword)

	return fs, nil
}

// loadOrGenerateSalt loads existing salt or generates a new one
func (fs *FileStore) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, derivationSaltSize)

	data, err := os.ReadFile(fs.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}

		if err := os.WriteFile(fs.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}

		return salt, nil
	}

	if len(data) != derivationSaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), derivationSaltSize)
	}

	copy(salt, data)
	return salt, nil
}

// valuePath maps a logical name to its file. Names may contain any
// characters; the encoding keeps the mapping reversible and filename-safe.
func (fs *FileStore) valuePath(name string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(name))
	return filepath.Join(fs.dataDir, encoded+valueExtension)
}

// Write encrypts and stores a value under name.
// File format: [version:2][nonce:12][ciphertext+tag:N]
func (fs *FileStore) Write(name string, value []byte) error {
	if name == "" {
		return fmt.Errorf("empty value name")
	}

	block, err := aes.NewCipher(fs.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	// GCM nonces must never repeat under the same key
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, value, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], EncryptionVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	// Atomic write using temporary file + rename
	finalFile := fs.valuePath(name)
	tmpFile := finalFile + ".tmp"

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// Read loads and decrypts the value stored under name.
// Returns ErrNotFound if the value does not exist; any corruption or key
// mismatch is a decryption error.
func (fs *FileStore) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(fs.valuePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read value file: %w", err)
	}

	// Minimum size: version + nonce + tag
	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("value file too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != EncryptionVersion {
		return nil, fmt.Errorf("unsupported encryption version: %d (expected %d)", version, EncryptionVersion)
	}

	block, err := aes.NewCipher(fs.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	value, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted data): %w", err)
	}

	return value, nil
}

// Delete removes the value stored under name, overwriting the file with
// zeros first as best-effort secure deletion.
func (fs *FileStore) Delete(name string) error {
	filePath := fs.valuePath(name)

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat value file: %w", err)
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(filePath, zeros, 0o600); err != nil {
		return os.Remove(filePath)
	}

	return os.Remove(filePath)
}

// Close securely wipes the encryption key from memory.
// After calling Close, the FileStore should not be used.
func (fs *FileStore) Close() error {
	crypto.ZeroBytes(fs.encryptionKey[:])
	return nil
}

// RotateMasterPassword derives a new encryption key from a new master
// password and re-encrypts every stored value under it.
func (fs *FileStore) RotateMasterPassword(newMasterPassword []byte) error {
	if len(newMasterPassword) == 0 {
		return fmt.Errorf("new master password cannot be empty")
	}

	files, err := filepath.Glob(filepath.Join(fs.dataDir, "*"+valueExtension))
	if err != nil {
		return fmt.Errorf("failed to list value files: %w", err)
	}

	// Decrypt everything under the current key first
	values := make(map[string][]byte)
	for _, file := range files {
		encoded := filepath.Base(file)
		encoded = encoded[:len(encoded)-len(valueExtension)]

		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("unrecognized value file %s: %w", filepath.Base(file), err)
		}

		name := string(decoded)
		value, err := fs.Read(name)
		if err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", name, err)
		}
		values[name] = value
	}

	newSalt := make([]byte, derivationSaltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("failed to generate new salt: %w", err)
	}

	newKey := pbkdf2.Key(newMasterPassword, newSalt, PBKDF2Iterations, 32, sha256.New)
	oldKey := fs.encryptionKey
	copy(fs.encryptionKey[:], newKey)
	crypto.ZeroBytes(newKey)

	for name, value := range values {
		if err := fs.Write(name, value); err != nil {
			fs.encryptionKey = oldKey
			return fmt.Errorf("failed to re-encrypt %s: %w", name, err)
		}
		crypto.ZeroBytes(value)
	}

	if err := os.WriteFile(fs.saltFile, newSalt, 0o600); err != nil {
		fs.encryptionKey = oldKey
		return fmt.Errorf("failed to save new salt: %w", err)
	}

	crypto.ZeroBytes(oldKey[:])
	crypto.ZeroBytes(newMasterPassword)

	return nil
}
