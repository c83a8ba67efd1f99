package envelope

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/emberchat/sealcore/crypto"
)

var (
	// ErrNotAddressedToThisDevice indicates the envelope carries no wrap for
	// the local device. Benign: the message is for someone else's devices.
	ErrNotAddressedToThisDevice = errors.New("envelope not addressed to this device")

	// ErrKeyUnwrapFailed indicates the local device could not recover the
	// message key. Fatal for this message only; retrying with the same
	// material cannot succeed.
	ErrKeyUnwrapFailed = errors.New("message key unwrap failed")

	// ErrMessageAuthenticationFailed indicates the message body failed AEAD
	// authentication. Fatal for this message only.
	ErrMessageAuthenticationFailed = errors.New("message authentication failed")
)

// SigningKeyLookup resolves a sending device's published verification key.
// directory.Directory satisfies it.
type SigningKeyLookup interface {
	SigningKeyFor(ctx context.Context, groupID, userID, deviceID string) ([32]byte, error)
}

// OpenResult is a successfully opened envelope. SignatureValid is advisory:
// false marks the message unverified but never withholds the plaintext.
// MessageKey is exposed so callers can cache it for later opens.
type OpenResult struct {
	Plaintext      []byte
	MessageKey     [32]byte
	SignatureValid bool
	SenderUserID   string
	SenderDeviceID string
}

// DecryptionEngine opens envelopes addressed to the local device.
type DecryptionEngine struct {
	keys SigningKeyLookup
}

// NewDecryptionEngine creates an opener that verifies signatures against the
// given key lookup.
func NewDecryptionEngine(keys SigningKeyLookup) (*DecryptionEngine, error) {
	if keys == nil {
		return nil, errors.New("nil signing key lookup")
	}
	return &DecryptionEngine{keys: keys}, nil
}

// Open recovers the plaintext of an envelope addressed to local. It unwraps
// the message key via ECDH with the sender's ephemeral key, decrypts the
// body, and attaches the signature verdict. Envelopes without a wrap for
// local fail with ErrNotAddressedToThisDevice.
func (dec *DecryptionEngine) Open(ctx context.Context, env *Envelope, local Identity) (*OpenResult, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if err := local.validate(); err != nil {
		return nil, err
	}

	wrap, ok := env.WrapFor(local.UserID, local.DeviceID)
	if !ok {
		return nil, ErrNotAddressedToThisDevice
	}

	messageKey, err := unwrapMessageKey(env, wrap, local)
	if err != nil {
		return nil, err
	}

	return dec.OpenWithKey(ctx, env, messageKey)
}

// OpenWithKey decrypts the envelope body with an already-known message key
// and verifies the signature. Cache hits take this path, skipping the
// asymmetric unwrap.
func (dec *DecryptionEngine) OpenWithKey(ctx context.Context, env *Envelope, messageKey [32]byte) (*OpenResult, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}

	iv, err := crypto.NonceFromBytes(env.IV)
	if err != nil {
		return nil, ErrMessageAuthenticationFailed
	}

	plaintext, err := crypto.DecryptAEAD(messageKey, iv, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrMessageAuthenticationFailed
	}

	result := &OpenResult{
		Plaintext:      plaintext,
		MessageKey:     messageKey,
		SenderUserID:   env.Sender.UserID,
		SenderDeviceID: env.Sender.DeviceID,
	}
	result.SignatureValid = dec.verifySignature(ctx, env)

	logrus.WithFields(logrus.Fields{
		"function":   "OpenWithKey",
		"message_id": env.MessageID,
		"verified":   result.SignatureValid,
	}).Debug("envelope opened")

	return result, nil
}

// unwrapMessageKey recovers the message key from the local device's wrap.
// Every failure in this path maps to ErrKeyUnwrapFailed so the error class
// leaks nothing about which byte was wrong.
func unwrapMessageKey(env *Envelope, wrap *RecipientWrap, local Identity) ([32]byte, error) {
	if len(env.Sender.EphemeralPublicKey) != 32 {
		return [32]byte{}, ErrKeyUnwrapFailed
	}
	var ephemeral [32]byte
	copy(ephemeral[:], env.Sender.EphemeralPublicKey)

	shared, err := crypto.DeriveSharedSecret(ephemeral, local.AgreementPrivate)
	if err != nil {
		return [32]byte{}, ErrKeyUnwrapFailed
	}
	defer crypto.ZeroBytes(shared[:])

	kek, err := crypto.DeriveKey32(shared, env.Salt, crypto.KEKInfo(env.GroupID, env.ConvID, env.Sender.UserID, env.Sender.DeviceID))
	if err != nil {
		return [32]byte{}, ErrKeyUnwrapFailed
	}
	defer crypto.ZeroBytes(kek[:])

	nonce, err := crypto.NonceFromBytes(wrap.WrapNonce)
	if err != nil {
		return [32]byte{}, ErrKeyUnwrapFailed
	}

	keyBytes, err := crypto.DecryptAEAD(kek, nonce, wrap.WrappedKey, nil)
	if err != nil {
		return [32]byte{}, ErrKeyUnwrapFailed
	}
	if len(keyBytes) != crypto.KeySize {
		crypto.ZeroBytes(keyBytes)
		return [32]byte{}, ErrKeyUnwrapFailed
	}

	var messageKey [32]byte
	copy(messageKey[:], keyBytes)
	crypto.ZeroBytes(keyBytes)
	return messageKey, nil
}

// verifySignature reports the advisory signature verdict. Lookup and
// verification failures produce false, never an error: a broken signature
// must not hide readable content from the user.
func (dec *DecryptionEngine) verifySignature(ctx context.Context, env *Envelope) bool {
	signingKey, err := dec.keys.SigningKeyFor(ctx, env.GroupID, env.Sender.UserID, env.Sender.DeviceID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "verifySignature",
			"group_id": env.GroupID,
			"sender":   env.Sender.UserID + "/" + env.Sender.DeviceID,
			"error":    err,
		}).Warn("could not resolve sender signing key")
		return false
	}

	if len(env.Signature) != crypto.SignatureSize {
		return false
	}
	var signature crypto.Signature
	copy(signature[:], env.Signature)

	signingBytes, err := env.SigningBytes()
	if err != nil {
		return false
	}

	valid, err := crypto.Verify(signingBytes, signature, signingKey)
	if err != nil || !valid {
		logrus.WithFields(logrus.Fields{
			"function":   "verifySignature",
			"group_id":   env.GroupID,
			"message_id": env.MessageID,
			"sender":     env.Sender.UserID + "/" + env.Sender.DeviceID,
		}).Warn("envelope signature verification failed")
		return false
	}

	return true
}
