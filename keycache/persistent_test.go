package keycache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/sealcore/securestore"
)

func newTestPersistent(t *testing.T) *Persistent {
	t.Helper()

	cache, err := NewPersistent(filepath.Join(t.TempDir(), "keys.db"), securestore.NewMemoryStore(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestPersistentSaveGetRoundtrip(t *testing.T) {
	cache := newTestPersistent(t)
	ctx := context.Background()

	key := testKey(9)
	require.NoError(t, cache.Save(ctx, "m1", "g1", "bob", "dB", "dA", key))

	got, ok, err := cache.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestPersistentGetMissing(t *testing.T) {
	cache := newTestPersistent(t)

	_, ok, err := cache.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistentExpiryWithoutAutoDelete(t *testing.T) {
	cache := newTestPersistent(t)
	ctx := context.Background()

	base := time.Now()
	cache.now = func() time.Time { return base }
	require.NoError(t, cache.Save(ctx, "m1", "g1", "bob", "dB", "", testKey(1)))

	cache.now = func() time.Time { return base.Add(DefaultPersistentTTL) }
	_, ok, err := cache.Get(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok, "row at its expiry must be a miss")

	// Get must not have deleted the row: winding the clock back serves it
	// again. Removal is CleanupExpired's job alone.
	cache.now = func() time.Time { return base.Add(time.Hour) }
	_, ok, err = cache.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPersistentCleanupExpired(t *testing.T) {
	cache := newTestPersistent(t)
	ctx := context.Background()

	base := time.Now()
	cache.now = func() time.Time { return base.Add(-8 * 24 * time.Hour) }
	require.NoError(t, cache.Save(ctx, "stale", "g1", "bob", "dB", "", testKey(1)))

	cache.now = func() time.Time { return base }
	require.NoError(t, cache.Save(ctx, "live", "g1", "bob", "dB", "", testKey(2)))

	removed, err := cache.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, ok, err := cache.Get(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok, "unexpired rows must survive cleanup")
}

func TestPersistentInvalidateForDevice(t *testing.T) {
	cache := newTestPersistent(t)
	ctx := context.Background()

	// m1 belongs to the revoked device, m2 was derived against it, m3 and
	// the other-group row are bystanders.
	require.NoError(t, cache.Save(ctx, "m1", "g1", "bob", "dB", "dA", testKey(1)))
	require.NoError(t, cache.Save(ctx, "m2", "g1", "bob", "dLocal", "dB", testKey(2)))
	require.NoError(t, cache.Save(ctx, "m3", "g1", "carol", "dC", "dA", testKey(3)))
	require.NoError(t, cache.Save(ctx, "m4", "g2", "bob", "dB", "", testKey(4)))

	removed, err := cache.InvalidateForDevice(ctx, "g1", "dB")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	for _, id := range []string{"m1", "m2"} {
		_, ok, getErr := cache.Get(ctx, id)
		require.NoError(t, getErr)
		assert.False(t, ok, "%s must be gone after revocation", id)
	}
	for _, id := range []string{"m3", "m4"} {
		_, ok, getErr := cache.Get(ctx, id)
		require.NoError(t, getErr)
		assert.True(t, ok, "%s must survive revocation of dB in g1", id)
	}
}

func TestPersistentUpsertLastWriteWins(t *testing.T) {
	cache := newTestPersistent(t)
	ctx := context.Background()

	require.NoError(t, cache.Save(ctx, "m1", "g1", "bob", "dB", "", testKey(1)))
	require.NoError(t, cache.Save(ctx, "m1", "g1", "bob", "dB", "", testKey(2)))

	got, ok, err := cache.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testKey(2), got)
}

func TestPersistentSaveValidation(t *testing.T) {
	cache := newTestPersistent(t)

	err := cache.Save(context.Background(), "", "g1", "bob", "dB", "", testKey(1))
	assert.Error(t, err)
	err = cache.Save(context.Background(), "m1", "", "bob", "dB", "", testKey(1))
	assert.Error(t, err)
}

func TestPersistentKeysEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "keys.db")
	store := securestore.NewMemoryStore()

	cache, err := NewPersistent(dbPath, store, nil)
	require.NoError(t, err)

	key := testKey(0x5a)
	require.NoError(t, cache.Save(context.Background(), "m1", "g1", "bob", "dB", "", key))
	require.NoError(t, cache.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		raw, readErr := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, readErr)
		assert.False(t, bytes.Contains(raw, key[:]),
			"raw key bytes must not appear in %s", entry.Name())
	}
}

func TestPersistentSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "keys.db")
	store := securestore.NewMemoryStore()
	ctx := context.Background()

	first, err := NewPersistent(dbPath, store, nil)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, "m1", "g1", "bob", "dB", "", testKey(3)))
	require.NoError(t, first.Close())

	second, err := NewPersistent(dbPath, store, nil)
	require.NoError(t, err)
	defer second.Close()

	got, ok, err := second.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testKey(3), got)
}

func TestPersistentWrongMasterKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "keys.db")
	ctx := context.Background()

	first, err := NewPersistent(dbPath, securestore.NewMemoryStore(), nil)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, "m1", "g1", "bob", "dB", "", testKey(3)))
	require.NoError(t, first.Close())

	// A fresh store generates a different master key; old rows must refuse
	// to unseal rather than hand back garbage.
	second, err := NewPersistent(dbPath, securestore.NewMemoryStore(), nil)
	require.NoError(t, err)
	defer second.Close()

	_, _, err = second.Get(ctx, "m1")
	assert.Error(t, err)
}

func TestPersistentTamperedRow(t *testing.T) {
	cache := newTestPersistent(t)
	ctx := context.Background()

	require.NoError(t, cache.Save(ctx, "m1", "g1", "bob", "dB", "", testKey(1)))

	_, err := cache.db.Exec(`UPDATE message_keys SET mac = x'00000000000000000000000000000000' WHERE message_id = 'm1'`)
	require.NoError(t, err)

	_, _, err = cache.Get(ctx, "m1")
	assert.Error(t, err, "a tampered row must be an error, never a key")
}

func TestPersistentSealBoundToMessageID(t *testing.T) {
	cache := newTestPersistent(t)
	ctx := context.Background()

	require.NoError(t, cache.Save(ctx, "m1", "g1", "bob", "dB", "", testKey(1)))

	// Re-labeling a sealed row must not let it unseal under the new ID.
	_, err := cache.db.Exec(`UPDATE message_keys SET message_id = 'm2' WHERE message_id = 'm1'`)
	require.NoError(t, err)

	_, _, err = cache.Get(ctx, "m2")
	assert.Error(t, err)
}
