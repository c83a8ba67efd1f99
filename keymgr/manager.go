package keymgr

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emberchat/sealcore/crypto"
	"github.com/emberchat/sealcore/securestore"
)

// ErrKeysNotFound is returned when no keys have been provisioned for the
// requested (group, device) scope.
var ErrKeysNotFound = errors.New("keymgr: keys not found")

// identityDerivationSalt separates device-key derivation from every other
// HKDF use of the identity seed.
var identityDerivationSalt = []byte("sealcore/device-identity/v1")

// scopeID identifies one (group, device) key scope.
type scopeID struct {
	group  string
	device string
}

// DeviceKeys holds the private key material for one (group, device) scope.
// Callers must treat the contents as read-only.
type DeviceKeys struct {
	Signing   *crypto.SigningKeyPair
	Agreement *crypto.KeyPair
	Version   uint32
	CreatedAt time.Time
}

// PublicKeySet is the publishable half of a DeviceKeys.
type PublicKeySet struct {
	SigningPublicKey   [32]byte
	AgreementPublicKey [32]byte
	KeyVersion         uint32
}

// Encoded returns the base64 form of both public keys for publication to
// the device directory.
func (ps *PublicKeySet) Encoded() (signing, agreement string) {
	return base64.StdEncoding.EncodeToString(ps.SigningPublicKey[:]),
		base64.StdEncoding.EncodeToString(ps.AgreementPublicKey[:])
}

// storedKeys is the persisted form of a scope's key material.
type storedKeys struct {
	SigningSeed      []byte    `json:"signing_seed"`
	AgreementPrivate []byte    `json:"agreement_private"`
	KeyVersion       uint32    `json:"key_version"`
	CreatedAt        time.Time `json:"created_at"`
}

// Manager owns the device's key lifecycle: provisioning, loading, rotation,
// and the republish signal consumed after regeneration.
type Manager struct {
	mu        sync.Mutex
	store     securestore.Store
	keys      map[scopeID]*DeviceKeys
	republish map[scopeID]bool
}

// NewManager creates a key lifecycle manager backed by the given protected
// store.
func NewManager(store securestore.Store) (*Manager, error) {
	if store == nil {
		return nil, errors.New("nil secure store")
	}

	return &Manager{
		store:     store,
		keys:      make(map[scopeID]*DeviceKeys),
		republish: make(map[scopeID]bool),
	}, nil
}

func seedName(deviceID string) string {
	return "identity/" + deviceID + "/seed"
}

func recordName(groupID, deviceID string) string {
	return "groupkeys/" + groupID + "/" + deviceID
}

func versionName(groupID, deviceID string) string {
	return "groupkeys/" + groupID + "/" + deviceID + ".version"
}

func indexName(deviceID string) string {
	return "identity/" + deviceID + "/scopes"
}

// EnsureKeys makes sure key material exists for the scope, creating it on
// first use. It is idempotent and safe to call on every startup.
//
// If stored material exists but cannot be read back, the keys are
// re-derived from the device seed at the recorded version and the scope is
// flagged for republication. That is the only remediation this package
// performs on its own.
func (m *Manager) EnsureKeys(groupID, deviceID string) error {
	if groupID == "" || deviceID == "" {
		return errors.New("group and device IDs must be non-empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	scope := scopeID{groupID, deviceID}
	if _, ok := m.keys[scope]; ok {
		return nil
	}

	version, err := m.loadVersion(groupID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to read key version: %w", err)
	}

	if version == 0 {
		// First provisioning for this scope
		dk, err := m.provision(groupID, deviceID, 1)
		if err != nil {
			return err
		}

		m.keys[scope] = dk
		m.republish[scope] = true

		logrus.WithFields(logrus.Fields{
			"function":    "EnsureKeys",
			"group_id":    groupID,
			"device_id":   deviceID,
			"key_version": dk.Version,
		}).Info("Provisioned device keys")
		return nil
	}

	dk, err := m.loadKeys(groupID, deviceID)
	if err == nil {
		m.keys[scope] = dk
		return nil
	}
	if errors.Is(err, ErrKeysNotFound) {
		logrus.WithFields(logrus.Fields{
			"function":  "EnsureKeys",
			"group_id":  groupID,
			"device_id": deviceID,
		}).Warn("Key record missing despite recorded version")
	} else {
		logrus.WithFields(logrus.Fields{
			"function":  "EnsureKeys",
			"group_id":  groupID,
			"device_id": deviceID,
			"error":     err.Error(),
		}).Warn("Stored key material unreadable, re-deriving from device seed")
	}

	dk, err = m.provision(groupID, deviceID, version)
	if err != nil {
		return err
	}

	m.keys[scope] = dk
	m.republish[scope] = true
	return nil
}

// provision derives the scope's keys at the given version from the device
// seed and persists the record, the version marker, and the scope index.
func (m *Manager) provision(groupID, deviceID string, version uint32) (*DeviceKeys, error) {
	seed, err := m.ensureSeed(deviceID)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(seed[:])

	dk, err := deriveDeviceKeys(seed, groupID, deviceID, version)
	if err != nil {
		return nil, err
	}

	if err := m.persistKeys(groupID, deviceID, dk); err != nil {
		return nil, err
	}
	if err := m.persistVersion(groupID, deviceID, version); err != nil {
		return nil, err
	}
	if err := m.addToScopeIndex(groupID, deviceID); err != nil {
		return nil, err
	}

	return dk, nil
}

// deriveDeviceKeys builds both key pairs from the device seed, bound to the
// scope and version.
func deriveDeviceKeys(seed [32]byte, groupID, deviceID string, version uint32) (*DeviceKeys, error) {
	signingSeed, err := crypto.DeriveKey32(seed, identityDerivationSalt,
		identityInfo("signing", groupID, deviceID, version))
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing seed: %w", err)
	}

	agreementSecret, err := crypto.DeriveKey32(seed, identityDerivationSalt,
		identityInfo("agreement", groupID, deviceID, version))
	if err != nil {
		return nil, fmt.Errorf("failed to derive agreement secret: %w", err)
	}

	signing, err := crypto.SigningKeyPairFromSeed(signingSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to build signing key pair: %w", err)
	}

	agreement, err := crypto.FromSecretKey(agreementSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to build agreement key pair: %w", err)
	}

	crypto.ZeroBytes(signingSeed[:])
	crypto.ZeroBytes(agreementSecret[:])

	return &DeviceKeys{
		Signing:   signing,
		Agreement: agreement,
		Version:   version,
		CreatedAt: time.Now(),
	}, nil
}

// identityInfo builds the HKDF info string for device key derivation.
func identityInfo(usage, groupID, deviceID string, version uint32) []byte {
	b := make([]byte, 0, 32+len(usage)+len(groupID)+len(deviceID))
	b = append(b, []byte("sealcore/device-key/v1")...)
	for _, field := range []string{usage, groupID, deviceID, strconv.FormatUint(uint64(version), 10)} {
		b = append(b, 0)
		b = append(b, []byte(field)...)
	}
	return b
}

// ensureSeed loads the device identity seed, generating one on first use.
// An existing but malformed seed is an explicit error; it is never wiped.
func (m *Manager) ensureSeed(deviceID string) ([32]byte, error) {
	var seed [32]byte

	data, err := m.store.Read(seedName(deviceID))
	if errors.Is(err, securestore.ErrNotFound) {
		generated, err := crypto.GenerateSymmetricKey()
		if err != nil {
			return [32]byte{}, fmt.Errorf("failed to generate device seed: %w", err)
		}
		if err := m.store.Write(seedName(deviceID), generated[:]); err != nil {
			return [32]byte{}, fmt.Errorf("failed to store device seed: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"function":  "ensureSeed",
			"device_id": deviceID,
		}).Info("Generated new device identity seed")
		return generated, nil
	}
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to read device seed: %w", err)
	}

	if len(data) != 32 {
		return [32]byte{}, fmt.Errorf("invalid device seed length: %d", len(data))
	}

	copy(seed[:], data)
	crypto.ZeroBytes(data)
	return seed, nil
}

// loadKeys reads a scope's stored key record. ErrKeysNotFound means the
// record does not exist; any other error means it exists but is unreadable.
func (m *Manager) loadKeys(groupID, deviceID string) (*DeviceKeys, error) {
	data, err := m.store.Read(recordName(groupID, deviceID))
	if errors.Is(err, securestore.ErrNotFound) {
		return nil, ErrKeysNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key record: %w", err)
	}

	var record storedKeys
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse key record: %w", err)
	}
	crypto.ZeroBytes(data)

	if len(record.SigningSeed) != 32 || len(record.AgreementPrivate) != 32 {
		return nil, fmt.Errorf("invalid key record: signing %d bytes, agreement %d bytes",
			len(record.SigningSeed), len(record.AgreementPrivate))
	}

	var signingSeed, agreementSecret [32]byte
	copy(signingSeed[:], record.SigningSeed)
	copy(agreementSecret[:], record.AgreementPrivate)
	crypto.ZeroBytes(record.SigningSeed)
	crypto.ZeroBytes(record.AgreementPrivate)

	signing, err := crypto.SigningKeyPairFromSeed(signingSeed)
	if err != nil {
		return nil, fmt.Errorf("invalid stored signing seed: %w", err)
	}

	agreement, err := crypto.FromSecretKey(agreementSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid stored agreement key: %w", err)
	}

	crypto.ZeroBytes(signingSeed[:])
	crypto.ZeroBytes(agreementSecret[:])

	return &DeviceKeys{
		Signing:   signing,
		Agreement: agreement,
		Version:   record.KeyVersion,
		CreatedAt: record.CreatedAt,
	}, nil
}

func (m *Manager) persistKeys(groupID, deviceID string, dk *DeviceKeys) error {
	record := storedKeys{
		SigningSeed:      append([]byte(nil), dk.Signing.Seed[:]...),
		AgreementPrivate: append([]byte(nil), dk.Agreement.Private[:]...),
		KeyVersion:       dk.Version,
		CreatedAt:        dk.CreatedAt,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize key record: %w", err)
	}

	if err := m.store.Write(recordName(groupID, deviceID), data); err != nil {
		return fmt.Errorf("failed to store key record: %w", err)
	}

	crypto.ZeroBytes(record.SigningSeed)
	crypto.ZeroBytes(record.AgreementPrivate)
	crypto.ZeroBytes(data)
	return nil
}

func (m *Manager) persistVersion(groupID, deviceID string, version uint32) error {
	value := strconv.FormatUint(uint64(version), 10)
	if err := m.store.Write(versionName(groupID, deviceID), []byte(value)); err != nil {
		return fmt.Errorf("failed to store key version: %w", err)
	}
	return nil
}

// loadVersion returns the scope's key version, 0 when the scope has never
// been provisioned.
func (m *Manager) loadVersion(groupID, deviceID string) (uint32, error) {
	data, err := m.store.Read(versionName(groupID, deviceID))
	if errors.Is(err, securestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	version, err := strconv.ParseUint(string(data), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid key version record: %w", err)
	}
	return uint32(version), nil
}

// loadScopeIndex returns the group IDs this device has provisioned keys
// for.
func (m *Manager) loadScopeIndex(deviceID string) ([]string, error) {
	data, err := m.store.Read(indexName(deviceID))
	if errors.Is(err, securestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scope index: %w", err)
	}

	var groups []string
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse scope index: %w", err)
	}
	return groups, nil
}

func (m *Manager) addToScopeIndex(groupID, deviceID string) error {
	groups, err := m.loadScopeIndex(deviceID)
	if err != nil {
		return err
	}

	for _, g := range groups {
		if g == groupID {
			return nil
		}
	}
	groups = append(groups, groupID)

	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("failed to serialize scope index: %w", err)
	}
	if err := m.store.Write(indexName(deviceID), data); err != nil {
		return fmt.Errorf("failed to store scope index: %w", err)
	}
	return nil
}

// Keys returns the private key material for a scope. It loads from the
// store on a cache miss but never creates or regenerates anything.
func (m *Manager) Keys(groupID, deviceID string) (*DeviceKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.keysLocked(groupID, deviceID)
}

func (m *Manager) keysLocked(groupID, deviceID string) (*DeviceKeys, error) {
	scope := scopeID{groupID, deviceID}
	if dk, ok := m.keys[scope]; ok {
		return dk, nil
	}

	version, err := m.loadVersion(groupID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read key version: %w", err)
	}
	if version == 0 {
		return nil, ErrKeysNotFound
	}

	dk, err := m.loadKeys(groupID, deviceID)
	if err != nil {
		return nil, err
	}

	m.keys[scope] = dk
	return dk, nil
}

// PublicKeys returns the publishable keys for a scope, or ErrKeysNotFound
// when EnsureKeys has never provisioned it.
func (m *Manager) PublicKeys(groupID, deviceID string) (*PublicKeySet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dk, err := m.keysLocked(groupID, deviceID)
	if err != nil {
		return nil, err
	}

	return &PublicKeySet{
		SigningPublicKey:   dk.Signing.Public,
		AgreementPublicKey: dk.Agreement.Public,
		KeyVersion:         dk.Version,
	}, nil
}

// RotateKeys bumps the scope's key version and derives fresh key pairs.
// The scope is flagged for republication.
func (m *Manager) RotateKeys(groupID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	version, err := m.loadVersion(groupID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to read key version: %w", err)
	}
	if version == 0 {
		return ErrKeysNotFound
	}

	dk, err := m.provision(groupID, deviceID, version+1)
	if err != nil {
		return err
	}

	scope := scopeID{groupID, deviceID}
	if old, ok := m.keys[scope]; ok {
		crypto.WipeSigningKeyPair(old.Signing)
		crypto.WipeKeyPair(old.Agreement)
	}

	m.keys[scope] = dk
	m.republish[scope] = true

	logrus.WithFields(logrus.Fields{
		"function":    "RotateKeys",
		"group_id":    groupID,
		"device_id":   deviceID,
		"key_version": dk.Version,
	}).Info("Rotated device keys")
	return nil
}

// NeedsRepublish reports whether the scope's public keys should be
// republished to the directory.
func (m *Manager) NeedsRepublish(groupID, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.republish[scopeID{groupID, deviceID}]
}

// ConsumeRepublish clears the republish flag and reports whether it was
// set. The caller is expected to publish when true is returned.
func (m *Manager) ConsumeRepublish(groupID, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope := scopeID{groupID, deviceID}
	set := m.republish[scope]
	delete(m.republish, scope)
	return set
}

// Close wipes all cached private key material.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for scope, dk := range m.keys {
		crypto.WipeSigningKeyPair(dk.Signing)
		crypto.WipeKeyPair(dk.Agreement)
		delete(m.keys, scope)
	}
	return nil
}
