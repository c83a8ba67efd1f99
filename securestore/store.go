// Package securestore defines the protected key-value storage contract used
// for private key material and cache master keys, together with two
// implementations: an encrypted file store for platforms without a system
// keychain, and an in-memory store for tests. Platform keychains can satisfy
// the same interface.
package securestore

import "errors"

// ErrNotFound is returned when a named value does not exist in the store.
var ErrNotFound = errors.New("securestore: value not found")

// Store is a protected key-value store for small secrets. Implementations
// must be safe for concurrent use and must keep values confidential at rest.
type Store interface {
	// Read returns the value stored under name, or ErrNotFound.
	Read(name string) ([]byte, error)

	// Write stores value under name, replacing any existing value.
	Write(name string, value []byte) error

	// Delete removes the value stored under name. Deleting a missing
	// name is not an error.
	Delete(name string) error
}
