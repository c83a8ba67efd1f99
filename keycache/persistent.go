package keycache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/emberchat/sealcore/crypto"
	"github.com/emberchat/sealcore/securestore"
)

// DefaultPersistentTTL is how long a sealed row stays servable.
const DefaultPersistentTTL = 7 * 24 * time.Hour

// masterKeyName is the secure-store entry holding the cache master key.
const masterKeyName = "keycache/master"

const schema = `
CREATE TABLE IF NOT EXISTS message_keys (
	message_id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	encrypted_key BLOB NOT NULL,
	nonce BLOB NOT NULL,
	mac BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	derived_from_device TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_message_keys_device ON message_keys(device_id);
CREATE INDEX IF NOT EXISTS idx_message_keys_derived ON message_keys(derived_from_device);
CREATE INDEX IF NOT EXISTS idx_message_keys_expires ON message_keys(expires_at);
`

// Persistent is the restart-surviving message-key cache. Every key is
// sealed with XChaCha20-Poly1305 under a master key held in the secure
// store; the database file alone is useless.
type Persistent struct {
	db        *sql.DB
	masterKey [32]byte
	ttl       time.Duration
	metrics   *Metrics
	now       func() time.Time
}

// NewPersistent opens (or creates) the cache database at dbPath and loads
// the master key from the secure store, generating one on first use.
func NewPersistent(dbPath string, store securestore.Store, metrics *Metrics) (*Persistent, error) {
	if dbPath == "" {
		return nil, errors.New("empty cache database path")
	}
	if store == nil {
		return nil, errors.New("nil secure store")
	}
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}

	masterKey, err := loadOrCreateMasterKey(store)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath))
	if err != nil {
		crypto.ZeroBytes(masterKey[:])
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		crypto.ZeroBytes(masterKey[:])
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPersistent",
		"db_path":  dbPath,
	}).Debug("persistent key cache opened")

	return &Persistent{
		db:        db,
		masterKey: masterKey,
		ttl:       DefaultPersistentTTL,
		metrics:   metrics,
		now:       time.Now,
	}, nil
}

func loadOrCreateMasterKey(store securestore.Store) ([32]byte, error) {
	raw, err := store.Read(masterKeyName)
	switch {
	case err == nil:
		if len(raw) != crypto.KeySize {
			crypto.ZeroBytes(raw)
			return [32]byte{}, fmt.Errorf("cache master key has invalid length %d", len(raw))
		}
		var key [32]byte
		copy(key[:], raw)
		crypto.ZeroBytes(raw)
		return key, nil

	case errors.Is(err, securestore.ErrNotFound):
		key, genErr := crypto.GenerateSymmetricKey()
		if genErr != nil {
			return [32]byte{}, fmt.Errorf("failed to generate cache master key: %w", genErr)
		}
		if writeErr := store.Write(masterKeyName, key[:]); writeErr != nil {
			crypto.ZeroBytes(key[:])
			return [32]byte{}, fmt.Errorf("failed to store cache master key: %w", writeErr)
		}
		logrus.WithField("function", "loadOrCreateMasterKey").Info("generated new cache master key")
		return key, nil

	default:
		return [32]byte{}, fmt.Errorf("failed to read cache master key: %w", err)
	}
}

// Save seals the message key and upserts its row with a fresh expiry. A
// repeated message ID overwrites the previous row; writes are idempotent.
// derivedFromDevice names the sending device the key was derived against
// and may be empty.
func (p *Persistent) Save(ctx context.Context, messageID, groupID, userID, deviceID, derivedFromDevice string, key [32]byte) error {
	if messageID == "" || groupID == "" || userID == "" || deviceID == "" {
		return errors.New("message, group, user, and device IDs must be non-empty")
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return fmt.Errorf("failed to generate seal nonce: %w", err)
	}

	// The message ID rides as AEAD additional data so a sealed key cannot
	// be replayed under a different row.
	sealed, err := crypto.EncryptAEAD(p.masterKey, nonce, key[:], []byte(messageID))
	if err != nil {
		return fmt.Errorf("failed to seal message key: %w", err)
	}
	encryptedKey := sealed[:crypto.KeySize]
	mac := sealed[crypto.KeySize:]

	now := p.now()
	query := `
	INSERT INTO message_keys
		(message_id, group_id, user_id, device_id, encrypted_key, nonce, mac, created_at, expires_at, derived_from_device)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		group_id = excluded.group_id,
		user_id = excluded.user_id,
		device_id = excluded.device_id,
		encrypted_key = excluded.encrypted_key,
		nonce = excluded.nonce,
		mac = excluded.mac,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at,
		derived_from_device = excluded.derived_from_device
	`
	_, err = p.db.ExecContext(ctx, query,
		messageID, groupID, userID, deviceID,
		encryptedKey, nonce[:], mac,
		now.Unix(), now.Add(p.ttl).Unix(), derivedFromDevice,
	)
	if err != nil {
		return fmt.Errorf("failed to save cached key: %w", err)
	}

	return nil
}

// Get unseals the cached key for a message. Expired rows are misses and are
// left in place; CleanupExpired owns their removal. An unsealable row is an
// error, not a miss.
func (p *Persistent) Get(ctx context.Context, messageID string) ([32]byte, bool, error) {
	query := `
	SELECT encrypted_key, nonce, mac, expires_at
	FROM message_keys
	WHERE message_id = ?
	`

	var encryptedKey, nonceBytes, mac []byte
	var expiresAt int64
	err := p.db.QueryRowContext(ctx, query, messageID).Scan(&encryptedKey, &nonceBytes, &mac, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			p.metrics.PersistentMisses.Inc()
			return [32]byte{}, false, nil
		}
		return [32]byte{}, false, fmt.Errorf("failed to query cached key: %w", err)
	}

	if !p.now().Before(time.Unix(expiresAt, 0)) {
		p.metrics.PersistentMisses.Inc()
		return [32]byte{}, false, nil
	}

	nonce, err := crypto.NonceFromBytes(nonceBytes)
	if err != nil {
		return [32]byte{}, false, fmt.Errorf("cached key row is malformed: %w", err)
	}

	sealed := make([]byte, 0, len(encryptedKey)+len(mac))
	sealed = append(sealed, encryptedKey...)
	sealed = append(sealed, mac...)

	keyBytes, err := crypto.DecryptAEAD(p.masterKey, nonce, sealed, []byte(messageID))
	if err != nil {
		return [32]byte{}, false, fmt.Errorf("failed to unseal cached key: %w", err)
	}
	if len(keyBytes) != crypto.KeySize {
		crypto.ZeroBytes(keyBytes)
		return [32]byte{}, false, errors.New("cached key has invalid length")
	}

	var key [32]byte
	copy(key[:], keyBytes)
	crypto.ZeroBytes(keyBytes)

	p.metrics.PersistentHits.Inc()
	return key, true, nil
}

// InvalidateForDevice deletes every row in the group whose device_id or
// derived_from_device matches the revoked device. Called synchronously on
// revocation, before any other component reads the cache again.
func (p *Persistent) InvalidateForDevice(ctx context.Context, groupID, deviceID string) (int64, error) {
	if groupID == "" || deviceID == "" {
		return 0, errors.New("group and device IDs must be non-empty")
	}

	query := `
	DELETE FROM message_keys
	WHERE group_id = ? AND (device_id = ? OR derived_from_device = ?)
	`
	result, err := p.db.ExecContext(ctx, query, groupID, deviceID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cached keys: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count invalidated rows: %w", err)
	}
	p.metrics.Invalidated.Add(float64(removed))

	logrus.WithFields(logrus.Fields{
		"function":  "InvalidateForDevice",
		"group_id":  groupID,
		"device_id": deviceID,
		"removed":   removed,
	}).Info("invalidated cached keys for revoked device")

	return removed, nil
}

// CleanupExpired removes rows past their expiry. Runs on the engine's
// maintenance schedule, independent of revocation.
func (p *Persistent) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM message_keys WHERE expires_at <= ?`, p.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired rows: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned rows: %w", err)
	}
	p.metrics.ExpiredCleaned.Add(float64(removed))

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "CleanupExpired",
			"removed":  removed,
		}).Debug("removed expired cached keys")
	}

	return removed, nil
}

// Close wipes the in-memory master key and closes the database.
func (p *Persistent) Close() error {
	crypto.ZeroBytes(p.masterKey[:])
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	return nil
}
