package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emberchat/sealcore/crypto"
	"github.com/emberchat/sealcore/directory"
)

// ErrNoRecipients indicates the recipient list contained no active devices.
// The caller must not send anything.
var ErrNoRecipients = errors.New("no active recipient devices")

// EncryptionEngine builds multi-recipient envelopes.
type EncryptionEngine struct{}

// NewEncryptionEngine creates an envelope builder.
func NewEncryptionEngine() *EncryptionEngine {
	return &EncryptionEngine{}
}

// Seal encrypts plaintext for every active device in recipients and signs
// the result. Each call uses a fresh ephemeral agreement keypair, message
// key, salt, IV, and per-recipient wrap nonces, so sealing the same
// plaintext twice never produces the same bytes. Inactive and duplicate
// recipient entries are skipped; an empty effective list fails with
// ErrNoRecipients.
func (enc *EncryptionEngine) Seal(ctx context.Context, plaintext []byte, sender Identity, recipients []directory.DeviceKeyEntry, groupID, convID string) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if groupID == "" || convID == "" {
		return nil, errors.New("group and conversation IDs must be non-empty")
	}
	if err := sender.validate(); err != nil {
		return nil, err
	}

	targets := activeTargets(recipients)
	if len(targets) == 0 {
		return nil, ErrNoRecipients
	}

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}
	defer crypto.ZeroBytes(ephemeral.Private[:])

	messageKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message key: %w", err)
	}
	defer crypto.ZeroBytes(messageKey[:])

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	iv, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext, err := crypto.EncryptAEAD(messageKey, iv, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message body: %w", err)
	}

	kekInfo := crypto.KEKInfo(groupID, convID, sender.UserID, sender.DeviceID)
	wraps := make([]RecipientWrap, 0, len(targets))
	for _, target := range targets {
		wrap, err := wrapMessageKey(messageKey, ephemeral.Private, target, salt, kekInfo)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap key for %s/%s: %w", target.UserID, target.DeviceID, err)
		}
		wraps = append(wraps, wrap)
	}

	env := &Envelope{
		Version:   EnvelopeVersion,
		Suite:     DefaultSuite(),
		GroupID:   groupID,
		ConvID:    convID,
		MessageID: uuid.NewString(),
		Salt:      salt,
		Sender: Sender{
			UserID:             sender.UserID,
			DeviceID:           sender.DeviceID,
			EphemeralPublicKey: append([]byte(nil), ephemeral.Public[:]...),
			KeyVersion:         sender.KeyVersion,
		},
		Recipients: wraps,
		Ciphertext: ciphertext,
		IV:         append([]byte(nil), iv[:]...),
	}

	signingBytes, err := env.SigningBytes()
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(signingBytes, sender.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}
	env.Signature = signature[:]

	logrus.WithFields(logrus.Fields{
		"function":   "Seal",
		"group_id":   groupID,
		"conv_id":    convID,
		"message_id": env.MessageID,
		"recipients": len(wraps),
	}).Debug("envelope sealed")

	return env, nil
}

// activeTargets filters a directory listing down to the devices an envelope
// may address: active status, one entry per (user, device).
func activeTargets(recipients []directory.DeviceKeyEntry) []directory.DeviceKeyEntry {
	targets := make([]directory.DeviceKeyEntry, 0, len(recipients))
	seen := make(map[string]bool, len(recipients))
	for _, entry := range recipients {
		if !entry.Active() {
			continue
		}
		id := entry.UserID + "/" + entry.DeviceID
		if seen[id] {
			continue
		}
		seen[id] = true
		targets = append(targets, entry)
	}
	return targets
}

// wrapMessageKey seals the message key for one recipient device under a KEK
// derived from the ephemeral ECDH shared secret.
func wrapMessageKey(messageKey, ephemeralPrivate [32]byte, target directory.DeviceKeyEntry, salt, kekInfo []byte) (RecipientWrap, error) {
	shared, err := crypto.DeriveSharedSecret(target.AgreementPublicKey, ephemeralPrivate)
	if err != nil {
		return RecipientWrap{}, fmt.Errorf("key agreement failed: %w", err)
	}
	defer crypto.ZeroBytes(shared[:])

	kek, err := crypto.DeriveKey32(shared, salt, kekInfo)
	if err != nil {
		return RecipientWrap{}, fmt.Errorf("KEK derivation failed: %w", err)
	}
	defer crypto.ZeroBytes(kek[:])

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return RecipientWrap{}, fmt.Errorf("failed to generate wrap nonce: %w", err)
	}

	wrapped, err := crypto.EncryptAEAD(kek, nonce, messageKey[:], nil)
	if err != nil {
		return RecipientWrap{}, fmt.Errorf("failed to wrap message key: %w", err)
	}

	return RecipientWrap{
		UserID:     target.UserID,
		DeviceID:   target.DeviceID,
		WrappedKey: wrapped,
		WrapNonce:  append([]byte(nil), nonce[:]...),
	}, nil
}
