package envelope

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/sealcore/directory"
)

func sealedFixture(t *testing.T) *Envelope {
	t.Helper()

	dA := newTestDevice(t, "alice", "dA")
	dB := newTestDevice(t, "bob", "dB")

	env, err := NewEncryptionEngine().Seal(context.Background(), []byte("fixture"),
		dA.identity(), []directory.DeviceKeyEntry{dB.entry()}, "g1", "c1")
	require.NoError(t, err)
	return env
}

func TestEnvelopeMarshalDecode(t *testing.T) {
	env := sealedFixture(t)

	raw, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	env := sealedFixture(t)
	env.Version = 2

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, []byte("not json"), []byte(`{"version":`)} {
		_, err := Decode(raw)
		assert.Error(t, err)
	}

	// Version 0 is what a probe reads from JSON that lacks the field.
	_, err := Decode([]byte(`{"group_id":"g1"}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestValidateRejectsStructuralDamage(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"wrong suite", func(e *Envelope) { e.Suite.AEAD = "AES-256-GCM" }},
		{"missing group", func(e *Envelope) { e.GroupID = "" }},
		{"missing message ID", func(e *Envelope) { e.MessageID = "" }},
		{"missing sender", func(e *Envelope) { e.Sender.UserID = "" }},
		{"short ephemeral key", func(e *Envelope) { e.Sender.EphemeralPublicKey = e.Sender.EphemeralPublicKey[:16] }},
		{"short salt", func(e *Envelope) { e.Salt = e.Salt[:8] }},
		{"short IV", func(e *Envelope) { e.IV = e.IV[:12] }},
		{"truncated ciphertext", func(e *Envelope) { e.Ciphertext = e.Ciphertext[:4] }},
		{"short signature", func(e *Envelope) { e.Signature = e.Signature[:32] }},
		{"no recipients", func(e *Envelope) { e.Recipients = nil }},
		{"short wrapped key", func(e *Envelope) { e.Recipients[0].WrappedKey = e.Recipients[0].WrappedKey[:10] }},
		{"short wrap nonce", func(e *Envelope) { e.Recipients[0].WrapNonce = e.Recipients[0].WrapNonce[:10] }},
		{"duplicate recipients", func(e *Envelope) { e.Recipients = append(e.Recipients, e.Recipients[0]) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := cloneEnvelope(t, sealedFixture(t))
			tt.mutate(env)
			assert.Error(t, env.Validate())
		})
	}
}

func TestWrapFor(t *testing.T) {
	env := sealedFixture(t)

	wrap, ok := env.WrapFor("bob", "dB")
	require.True(t, ok)
	assert.Equal(t, "dB", wrap.DeviceID)

	_, ok = env.WrapFor("bob", "dZ")
	assert.False(t, ok)

	_, ok = env.WrapFor("mallory", "dB")
	assert.False(t, ok)
}
