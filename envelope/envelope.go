package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/emberchat/sealcore/crypto"
)

// EnvelopeVersion is the wire format version this package produces.
const EnvelopeVersion = 1

// WrappedKeySize is the length of a wrapped message key: the 32-byte key
// plus the AEAD tag.
const WrappedKeySize = crypto.KeySize + crypto.TagSize

// ErrUnsupportedVersion indicates an envelope whose version this build does
// not understand. Unknown versions are a decode error, never a best-effort
// parse.
var ErrUnsupportedVersion = errors.New("unsupported envelope version")

// Suite names the algorithms an envelope was built with.
type Suite struct {
	KEM  string `json:"kem"`
	KDF  string `json:"kdf"`
	AEAD string `json:"aead"`
	Sig  string `json:"sig"`
}

// DefaultSuite returns the algorithm suite for version 1 envelopes.
func DefaultSuite() Suite {
	return Suite{
		KEM:  "X25519",
		KDF:  "HKDF-SHA-256",
		AEAD: "XChaCha20-Poly1305",
		Sig:  "Ed25519",
	}
}

// Sender identifies the originating device and carries the per-envelope
// ephemeral agreement key.
type Sender struct {
	UserID             string `json:"user_id"`
	DeviceID           string `json:"device_id"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	KeyVersion         uint32 `json:"key_version"`
}

// RecipientWrap is one recipient device's sealed copy of the message key.
type RecipientWrap struct {
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	WrappedKey []byte `json:"wrapped_key"`
	WrapNonce  []byte `json:"wrap_nonce"`
}

// Envelope is the full multi-recipient encrypted message structure. It is
// immutable once sealed; mutating any signed field invalidates the signature.
type Envelope struct {
	Version    uint8           `json:"version"`
	Suite      Suite           `json:"suite"`
	GroupID    string          `json:"group_id"`
	ConvID     string          `json:"conv_id"`
	MessageID  string          `json:"message_id"`
	Salt       []byte          `json:"salt"`
	Sender     Sender          `json:"sender"`
	Recipients []RecipientWrap `json:"recipients"`
	Ciphertext []byte          `json:"ciphertext"`
	IV         []byte          `json:"iv"`
	Signature  []byte          `json:"signature"`
}

// Marshal encodes the envelope for transport.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// versionProbe reads just enough of an incoming envelope to dispatch on the
// wire version.
type versionProbe struct {
	Version uint8 `json:"version"`
}

// Decode parses raw transport bytes into an Envelope. The version field is
// inspected first; versions this build does not implement fail with
// ErrUnsupportedVersion.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty envelope data")
	}

	var probe versionProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	switch probe.Version {
	case EnvelopeVersion:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("failed to decode envelope: %w", err)
		}
		if err := env.Validate(); err != nil {
			return nil, err
		}
		return &env, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, probe.Version)
	}
}

// Validate checks the structural invariants of a version 1 envelope: field
// presence, binary field lengths, the algorithm suite, and at most one
// recipient entry per (user, device).
func (e *Envelope) Validate() error {
	if e.Version != EnvelopeVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	if e.Suite != DefaultSuite() {
		return fmt.Errorf("unsupported algorithm suite %+v", e.Suite)
	}
	if e.GroupID == "" || e.ConvID == "" || e.MessageID == "" {
		return errors.New("envelope missing group, conversation, or message ID")
	}
	if e.Sender.UserID == "" || e.Sender.DeviceID == "" {
		return errors.New("envelope missing sender identity")
	}
	if len(e.Sender.EphemeralPublicKey) != 32 {
		return fmt.Errorf("invalid ephemeral public key length %d", len(e.Sender.EphemeralPublicKey))
	}
	if len(e.Salt) != crypto.SaltSize {
		return fmt.Errorf("invalid salt length %d", len(e.Salt))
	}
	if len(e.IV) != crypto.NonceSize {
		return fmt.Errorf("invalid IV length %d", len(e.IV))
	}
	if len(e.Ciphertext) <= crypto.TagSize {
		return errors.New("ciphertext too short")
	}
	if len(e.Signature) != crypto.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(e.Signature))
	}
	if len(e.Recipients) == 0 {
		return errors.New("envelope has no recipients")
	}

	seen := make(map[string]bool, len(e.Recipients))
	for i, wrap := range e.Recipients {
		if wrap.UserID == "" || wrap.DeviceID == "" {
			return fmt.Errorf("recipient %d missing identity", i)
		}
		if len(wrap.WrappedKey) != WrappedKeySize {
			return fmt.Errorf("recipient %d: invalid wrapped key length %d", i, len(wrap.WrappedKey))
		}
		if len(wrap.WrapNonce) != crypto.NonceSize {
			return fmt.Errorf("recipient %d: invalid wrap nonce length %d", i, len(wrap.WrapNonce))
		}
		id := wrap.UserID + "/" + wrap.DeviceID
		if seen[id] {
			return fmt.Errorf("duplicate recipient entry for %s", id)
		}
		seen[id] = true
	}

	return nil
}

// WrapFor returns the recipient entry addressed to the given device, or
// false when the envelope does not include it.
func (e *Envelope) WrapFor(userID, deviceID string) (*RecipientWrap, bool) {
	for i := range e.Recipients {
		if e.Recipients[i].UserID == userID && e.Recipients[i].DeviceID == deviceID {
			return &e.Recipients[i], true
		}
	}
	return nil, false
}
