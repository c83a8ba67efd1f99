package directory

import (
	"encoding/base64"
	"fmt"

	"github.com/emberchat/sealcore/crypto"
)

// DeviceStatus is the lifecycle state of a device within a group.
// Revocation is terminal; a revoked device never becomes active again.
type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceRevoked DeviceStatus = "revoked"
)

// DeviceKeyEntry is one device's published key material within a group.
// Fingerprints are filled in locally from the key bytes.
type DeviceKeyEntry struct {
	UserID               string
	DeviceID             string
	SigningPublicKey     [32]byte
	AgreementPublicKey   [32]byte
	KeyVersion           uint32
	Status               DeviceStatus
	FingerprintSigning   string
	FingerprintAgreement string
}

// Active reports whether the device may be addressed as a recipient.
func (e *DeviceKeyEntry) Active() bool {
	return e.Status == DeviceActive
}

// fillFingerprints recomputes both fingerprints from the key bytes.
func (e *DeviceKeyEntry) fillFingerprints() {
	e.FingerprintSigning = crypto.Fingerprint(e.SigningPublicKey)
	e.FingerprintAgreement = crypto.Fingerprint(e.AgreementPublicKey)
}

// wireDevice is the directory service's JSON representation of a device.
// Key bytes travel base64-encoded; fingerprints deliberately have no wire
// field.
type wireDevice struct {
	UserID             string `json:"user_id"`
	DeviceID           string `json:"device_id"`
	SigningPublicKey   string `json:"signing_public_key"`
	AgreementPublicKey string `json:"agreement_public_key"`
	KeyVersion         uint32 `json:"key_version"`
	Status             string `json:"status"`
}

// toEntry validates a wire device and converts it, computing fingerprints
// locally.
func (w *wireDevice) toEntry() (DeviceKeyEntry, error) {
	var entry DeviceKeyEntry

	if w.UserID == "" || w.DeviceID == "" {
		return entry, fmt.Errorf("device entry missing user or device ID")
	}

	signing, err := decodeKey(w.SigningPublicKey)
	if err != nil {
		return entry, fmt.Errorf("device %s: invalid signing key: %w", w.DeviceID, err)
	}

	agreement, err := decodeKey(w.AgreementPublicKey)
	if err != nil {
		return entry, fmt.Errorf("device %s: invalid agreement key: %w", w.DeviceID, err)
	}

	switch DeviceStatus(w.Status) {
	case DeviceActive, DeviceRevoked:
	default:
		return entry, fmt.Errorf("device %s: unknown status %q", w.DeviceID, w.Status)
	}

	entry = DeviceKeyEntry{
		UserID:             w.UserID,
		DeviceID:           w.DeviceID,
		SigningPublicKey:   signing,
		AgreementPublicKey: agreement,
		KeyVersion:         w.KeyVersion,
		Status:             DeviceStatus(w.Status),
	}
	entry.fillFingerprints()

	return entry, nil
}

// fromEntry converts an entry back to its wire form for publication.
func fromEntry(entry DeviceKeyEntry) wireDevice {
	return wireDevice{
		UserID:             entry.UserID,
		DeviceID:           entry.DeviceID,
		SigningPublicKey:   base64.StdEncoding.EncodeToString(entry.SigningPublicKey[:]),
		AgreementPublicKey: base64.StdEncoding.EncodeToString(entry.AgreementPublicKey[:]),
		KeyVersion:         entry.KeyVersion,
		Status:             string(entry.Status),
	}
}

func decodeKey(encoded string) ([32]byte, error) {
	var key [32]byte

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, err
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("key is %d bytes, expected 32", len(raw))
	}

	copy(key[:], raw)
	return key, nil
}
