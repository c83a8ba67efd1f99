package directory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/sealcore/crypto"
)

func testKeys(t *testing.T) ([32]byte, [32]byte) {
	t.Helper()

	signing, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	agreement, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return signing.Public, agreement.Public
}

func encodeKey(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func TestClientFetchDevices(t *testing.T) {
	signingKey, agreementKey := testKeys(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/groups/g1/devices", r.URL.Path)

		// The lying fingerprint field must be ignored entirely
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"user_id":              "alice",
				"device_id":            "dA",
				"signing_public_key":   encodeKey(signingKey),
				"agreement_public_key": encodeKey(agreementKey),
				"key_version":          3,
				"status":               "active",
				"fingerprint_signing":  "deadbeef",
			},
			{
				"user_id":              "alice",
				"device_id":            "dB",
				"signing_public_key":   encodeKey(agreementKey),
				"agreement_public_key": encodeKey(signingKey),
				"key_version":          1,
				"status":               "revoked",
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 100, 100)
	require.NoError(t, err)

	devices, err := client.FetchDevices(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "alice", devices[0].UserID)
	assert.Equal(t, "dA", devices[0].DeviceID)
	assert.Equal(t, uint32(3), devices[0].KeyVersion)
	assert.Equal(t, DeviceActive, devices[0].Status)
	assert.Equal(t, signingKey, devices[0].SigningPublicKey)
	assert.Equal(t, agreementKey, devices[0].AgreementPublicKey)

	// Fingerprints are computed locally, never taken from the response
	assert.Equal(t, crypto.Fingerprint(signingKey), devices[0].FingerprintSigning)
	assert.Equal(t, crypto.Fingerprint(agreementKey), devices[0].FingerprintAgreement)

	assert.Equal(t, DeviceRevoked, devices[1].Status)
}

func TestClientFetchDevicesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 100, 100)
	require.NoError(t, err)

	_, err = client.FetchDevices(context.Background(), "g1")
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestClientFetchDevicesMalformed(t *testing.T) {
	signingKey, agreementKey := testKeys(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"not json", "<html>nope</html>"},
		{
			"unknown status",
			[]map[string]interface{}{{
				"user_id":              "alice",
				"device_id":            "dA",
				"signing_public_key":   encodeKey(signingKey),
				"agreement_public_key": encodeKey(agreementKey),
				"key_version":          1,
				"status":               "suspended",
			}},
		},
		{
			"truncated key",
			[]map[string]interface{}{{
				"user_id":              "alice",
				"device_id":            "dA",
				"signing_public_key":   base64.StdEncoding.EncodeToString([]byte("short")),
				"agreement_public_key": encodeKey(agreementKey),
				"key_version":          1,
				"status":               "active",
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				switch body := tt.body.(type) {
				case string:
					w.Write([]byte(body))
				default:
					json.NewEncoder(w).Encode(body)
				}
			}))
			defer server.Close()

			client, err := NewClient(server.URL, 5*time.Second, 100, 100)
			require.NoError(t, err)

			_, err = client.FetchDevices(context.Background(), "g1")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "malformed directory response")
		})
	}
}

func TestClientPublishDevice(t *testing.T) {
	signingKey, agreementKey := testKeys(t)

	var received wireDevice
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/groups/g1/devices", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 100, 100)
	require.NoError(t, err)

	entry := DeviceKeyEntry{
		UserID:             "alice",
		DeviceID:           "dA",
		SigningPublicKey:   signingKey,
		AgreementPublicKey: agreementKey,
		KeyVersion:         2,
		Status:             DeviceActive,
	}
	require.NoError(t, client.PublishDevice(context.Background(), "g1", entry))

	assert.Equal(t, "alice", received.UserID)
	assert.Equal(t, "dA", received.DeviceID)
	assert.Equal(t, encodeKey(signingKey), received.SigningPublicKey)
	assert.Equal(t, encodeKey(agreementKey), received.AgreementPublicKey)
	assert.Equal(t, uint32(2), received.KeyVersion)
	assert.Equal(t, "active", received.Status)
}

func TestClientRevokeDevice(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 100, 100)
	require.NoError(t, err)

	require.NoError(t, client.RevokeDevice(context.Background(), "g1", "dA"))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/groups/g1/devices/dA", path)
}

func TestClientRevokeDeviceRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such device", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 100, 100)
	require.NoError(t, err)

	assert.Error(t, client.RevokeDevice(context.Background(), "g1", "dZ"))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient("", time.Second, 1, 1)
	assert.Error(t, err)
}
