package keymgr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/emberchat/sealcore/crypto"
	"github.com/emberchat/sealcore/securestore"
)

// ErrInvalidMnemonic is returned when a recovery phrase fails checksum or
// wordlist validation.
var ErrInvalidMnemonic = errors.New("keymgr: invalid recovery phrase")

// ExportRecoveryPhrase encodes the device identity seed as a 24-word
// BIP-39 mnemonic. Anyone holding the phrase can rebuild every key this
// device has derived, so it must only be shown to the user.
func (m *Manager) ExportRecoveryPhrase(deviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.store.Read(seedName(deviceID))
	if errors.Is(err, securestore.ErrNotFound) {
		return "", ErrKeysNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read device seed: %w", err)
	}
	if len(data) != 32 {
		return "", fmt.Errorf("invalid device seed length: %d", len(data))
	}

	mnemonic, err := bip39.NewMnemonic(data)
	crypto.ZeroBytes(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode recovery phrase: %w", err)
	}

	return mnemonic, nil
}

// ImportRecoveryPhrase restores the device identity seed from a recovery
// phrase, replacing any existing seed. Every provisioned scope's stored
// record is invalidated so the next EnsureKeys re-derives it from the
// imported seed at its recorded version, and each scope is flagged for
// republication.
func (m *Manager) ImportRecoveryPhrase(deviceID, mnemonic string) error {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return ErrInvalidMnemonic
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrInvalidMnemonic
	}

	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	if len(entropy) != 32 {
		return fmt.Errorf("%w: phrase must carry 256 bits of entropy", ErrInvalidMnemonic)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Write(seedName(deviceID), entropy); err != nil {
		return fmt.Errorf("failed to store device seed: %w", err)
	}
	crypto.ZeroBytes(entropy)

	groups, err := m.loadScopeIndex(deviceID)
	if err != nil {
		return err
	}

	for _, groupID := range groups {
		if err := m.store.Delete(recordName(groupID, deviceID)); err != nil {
			return fmt.Errorf("failed to invalidate key record for group %s: %w", groupID, err)
		}

		scope := scopeID{groupID, deviceID}
		if dk, ok := m.keys[scope]; ok {
			crypto.WipeSigningKeyPair(dk.Signing)
			crypto.WipeKeyPair(dk.Agreement)
			delete(m.keys, scope)
		}
		m.republish[scope] = true
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ImportRecoveryPhrase",
		"device_id": deviceID,
		"scopes":    len(groups),
	}).Info("Imported device identity from recovery phrase")
	return nil
}

// ValidateRecoveryPhrase reports whether a phrase is well-formed without
// importing it.
func (m *Manager) ValidateRecoveryPhrase(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}
