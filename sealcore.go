package sealcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emberchat/sealcore/crypto"
	"github.com/emberchat/sealcore/directory"
	"github.com/emberchat/sealcore/envelope"
	"github.com/emberchat/sealcore/keycache"
	"github.com/emberchat/sealcore/keymgr"
)

// ErrNoTransport is returned by SendText when no send function was
// configured.
var ErrNoTransport = errors.New("sealcore: no transport send function configured")

// Placeholders rendered in place of a message that could not be decrypted.
// They are deliberately short and non-alarming; the distinction is made only
// when the key history supports it.
const (
	PlaceholderTooOld     = "message too old for current keys"
	PlaceholderAuthFailed = "authentication failed"
)

const (
	volatileSweepInterval = 10 * time.Minute
	maintenanceTimeout    = 30 * time.Second
)

// SendFunc hands a sealed envelope to the transport layer. Delivery,
// retry, and ordering are the transport's concern.
type SendFunc func(ctx context.Context, env *envelope.Envelope) error

// IncomingMessage is a decrypted message delivered to the message callback.
type IncomingMessage struct {
	GroupID        string
	ConvID         string
	MessageID      string
	SenderUserID   string
	SenderDeviceID string
	Plaintext      []byte

	// SignatureValid is advisory. A false value means the sender signature
	// could not be verified; the content is still delivered and the caller
	// should render it with an "unverified" indicator.
	SignatureValid bool
}

// UndecryptableMessage describes a message that failed to decrypt.
// Placeholder is suitable for direct display in place of the content.
type UndecryptableMessage struct {
	GroupID        string
	ConvID         string
	MessageID      string
	SenderUserID   string
	SenderDeviceID string
	Placeholder    string
	Cause          error
}

// MessageCallback receives decrypted messages.
type MessageCallback func(msg *IncomingMessage)

// UndecryptableCallback receives per-message decryption failures.
type UndecryptableCallback func(msg *UndecryptableMessage)

// Engine wires the key manager, device directory, envelope codec, and both
// cache tiers behind a single facade. Construct one per device identity;
// there is no package-level state.
type Engine struct {
	opts *Options

	keys      *keymgr.Manager
	directory *directory.Directory
	enc       *envelope.EncryptionEngine
	dec       *envelope.DecryptionEngine
	pool      *envelope.Pool
	volatile  *keycache.Volatile
	persist   *keycache.Persistent
	send      SendFunc
	metrics   *engineMetrics

	callbackMu      sync.RWMutex
	onMessage       MessageCallback
	onUndecryptable UndecryptableCallback

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates an Engine from options. The directory service is not
// contacted during construction.
func New(options *Options) (*Engine, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.UserID == "" || options.DeviceID == "" {
		return nil, errors.New("sealcore: user and device identifiers are required")
	}
	if options.Store == nil {
		return nil, errors.New("sealcore: secure store is required")
	}
	if options.DirectoryURL == "" {
		return nil, errors.New("sealcore: directory URL is required")
	}
	if options.CachePath == "" {
		options.CachePath = NewOptions().CachePath
	}

	if options.LogLevel != "" {
		if level, err := logrus.ParseLevel(options.LogLevel); err == nil {
			logrus.SetLevel(level)
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "New",
				"level":    options.LogLevel,
			}).Warn("Unknown log level, keeping current")
		}
	}

	cacheMetrics, err := keycache.NewMetrics(options.Registerer)
	if err != nil {
		return nil, err
	}
	engMetrics, err := newEngineMetrics(options.Registerer)
	if err != nil {
		return nil, err
	}

	keys, err := keymgr.NewManager(options.Store)
	if err != nil {
		return nil, fmt.Errorf("creating key manager: %w", err)
	}

	client, err := directory.NewClient(options.DirectoryURL,
		options.RequestTimeout, options.RequestsPerSecond, options.Burst)
	if err != nil {
		return nil, fmt.Errorf("creating directory client: %w", err)
	}

	persist, err := keycache.NewPersistent(options.CachePath, options.Store, cacheMetrics)
	if err != nil {
		return nil, fmt.Errorf("opening persistent key cache: %w", err)
	}

	// Revocation drops every cached key the revoked device sent or
	// derived, before Revoke returns to the caller.
	hook := func(ctx context.Context, groupID, deviceID string) error {
		_, err := persist.InvalidateForDevice(ctx, groupID, deviceID)
		return err
	}

	dir, err := directory.NewDirectory(client, hook)
	if err != nil {
		persist.Close()
		return nil, fmt.Errorf("creating directory cache: %w", err)
	}

	dec, err := envelope.NewDecryptionEngine(dir)
	if err != nil {
		persist.Close()
		return nil, fmt.Errorf("creating decryption engine: %w", err)
	}

	e := &Engine{
		opts:      options,
		keys:      keys,
		directory: dir,
		enc:       envelope.NewEncryptionEngine(),
		dec:       dec,
		pool:      envelope.NewPool(options.Workers),
		volatile:  keycache.NewVolatile(options.VolatileTTL, options.VolatileMaxEntries, cacheMetrics),
		persist:   persist,
		send:      options.Send,
		metrics:   engMetrics,
	}

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"user_id":   options.UserID,
		"device_id": options.DeviceID,
	}).Info("Engine created")

	return e, nil
}

// UserID returns the local user identifier.
func (e *Engine) UserID() string {
	return e.opts.UserID
}

// DeviceID returns the local device identifier.
func (e *Engine) DeviceID() string {
	return e.opts.DeviceID
}

// OnMessage sets the callback for decrypted messages. Messages that arrive
// while no callback is registered have their keys cached so a later replay
// decrypts without rederiving.
func (e *Engine) OnMessage(callback MessageCallback) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.onMessage = callback
}

// OnUndecryptable sets the callback for messages that failed to decrypt.
func (e *Engine) OnUndecryptable(callback UndecryptableCallback) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.onUndecryptable = callback
}

// Start launches the background maintenance loop. Safe to call once;
// subsequent calls are no-ops until Stop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})

	e.wg.Add(1)
	go e.maintenanceLoop(e.stopChan)
}

// Stop halts the maintenance loop and waits for it to exit. Decryption and
// sending remain available after Stop; only periodic cleanup pauses.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	e.wg.Wait()
}

// IsRunning reports whether the maintenance loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Close stops maintenance, drains the decryption pool, and releases the
// persistent cache and key manager. The Engine must not be used afterwards.
func (e *Engine) Close() error {
	e.Stop()
	e.pool.Close()

	var firstErr error
	if err := e.persist.Close(); err != nil {
		firstErr = err
	}
	if err := e.keys.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) maintenanceLoop(stop <-chan struct{}) {
	defer e.wg.Done()

	cleanup := time.NewTicker(e.opts.CleanupInterval)
	defer cleanup.Stop()
	sweep := time.NewTicker(volatileSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-stop:
			return
		case <-cleanup.C:
			e.runPersistentCleanup()
		case <-sweep.C:
			e.volatile.Sweep()
		}
	}
}

func (e *Engine) runPersistentCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	if _, err := e.persist.CleanupExpired(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runPersistentCleanup",
			"error":    err.Error(),
		}).Warn("Expired key cleanup failed")
	}
}

// EnsureGroupKeys provisions this device's keys for a group if missing and
// publishes them to the directory. Existing keys are republished as-is.
func (e *Engine) EnsureGroupKeys(ctx context.Context, groupID string) error {
	if err := e.keys.EnsureKeys(groupID, e.opts.DeviceID); err != nil {
		return fmt.Errorf("ensuring keys: %w", err)
	}
	if err := e.publishKeys(ctx, groupID); err != nil {
		return err
	}
	e.keys.ConsumeRepublish(groupID, e.opts.DeviceID)
	return nil
}

// RotateKeys bumps this device's key version for a group and publishes the
// new public keys. The rotation is durable even when publication fails;
// publication is retried on the next send.
func (e *Engine) RotateKeys(ctx context.Context, groupID string) error {
	if err := e.keys.RotateKeys(groupID, e.opts.DeviceID); err != nil {
		return fmt.Errorf("rotating keys: %w", err)
	}
	if err := e.publishKeys(ctx, groupID); err != nil {
		return err
	}
	e.keys.ConsumeRepublish(groupID, e.opts.DeviceID)
	return nil
}

// RevokeDevice marks a device revoked on the directory service and
// synchronously invalidates every cached message key that device sent or
// derived. The invalidation has completed when RevokeDevice returns.
func (e *Engine) RevokeDevice(ctx context.Context, groupID, deviceID string) error {
	if err := e.directory.Revoke(ctx, groupID, deviceID); err != nil {
		return fmt.Errorf("revoking device %s: %w", deviceID, err)
	}
	return nil
}

// ExportRecoveryPhrase renders this device's identity seed as a BIP-39
// mnemonic for offline backup.
func (e *Engine) ExportRecoveryPhrase() (string, error) {
	return e.keys.ExportRecoveryPhrase(e.opts.DeviceID)
}

// ImportRecoveryPhrase restores this device's identity seed from a BIP-39
// mnemonic. Per-group keys rederive from the restored seed on demand.
func (e *Engine) ImportRecoveryPhrase(mnemonic string) error {
	return e.keys.ImportRecoveryPhrase(e.opts.DeviceID, mnemonic)
}

// SafetyCode returns the short verification code for this device's signing
// key in a group, for out-of-band comparison between users.
func (e *Engine) SafetyCode(groupID string) (string, error) {
	pub, err := e.keys.PublicKeys(groupID, e.opts.DeviceID)
	if err != nil {
		return "", err
	}
	return crypto.SafetyCode(pub.SigningPublicKey), nil
}

func (e *Engine) publishKeys(ctx context.Context, groupID string) error {
	pub, err := e.keys.PublicKeys(groupID, e.opts.DeviceID)
	if err != nil {
		return fmt.Errorf("loading public keys: %w", err)
	}

	entry := directory.DeviceKeyEntry{
		UserID:             e.opts.UserID,
		DeviceID:           e.opts.DeviceID,
		SigningPublicKey:   pub.SigningPublicKey,
		AgreementPublicKey: pub.AgreementPublicKey,
		KeyVersion:         pub.KeyVersion,
		Status:             directory.DeviceActive,
	}
	if err := e.directory.Publish(ctx, groupID, entry); err != nil {
		return fmt.Errorf("publishing keys: %w", err)
	}
	return nil
}

// SendText seals plaintext for every active device of the addressed users
// and hands the envelope to the transport. If local keys are missing it
// provisions and publishes them, then retries exactly once.
func (e *Engine) SendText(ctx context.Context, groupID, convID string, userIDs []string, plaintext []byte) (*envelope.Envelope, error) {
	if e.send == nil {
		return nil, ErrNoTransport
	}

	if e.keys.NeedsRepublish(groupID, e.opts.DeviceID) {
		if err := e.publishKeys(ctx, groupID); err != nil {
			return nil, fmt.Errorf("republishing rotated keys: %w", err)
		}
		e.keys.ConsumeRepublish(groupID, e.opts.DeviceID)
	}

	env, err := e.seal(ctx, groupID, convID, userIDs, plaintext)
	if errors.Is(err, keymgr.ErrKeysNotFound) {
		logrus.WithFields(logrus.Fields{
			"function":  "SendText",
			"group_id":  groupID,
			"device_id": e.opts.DeviceID,
		}).Info("Local keys missing, provisioning before retry")

		if provErr := e.EnsureGroupKeys(ctx, groupID); provErr != nil {
			return nil, fmt.Errorf("provisioning keys: %w", provErr)
		}
		env, err = e.seal(ctx, groupID, convID, userIDs, plaintext)
	}
	if err != nil {
		return nil, err
	}

	if err := e.send(ctx, env); err != nil {
		return nil, fmt.Errorf("sending envelope: %w", err)
	}
	e.metrics.Sent.Inc()

	return env, nil
}

func (e *Engine) seal(ctx context.Context, groupID, convID string, userIDs []string, plaintext []byte) (*envelope.Envelope, error) {
	keys, err := e.keys.Keys(groupID, e.opts.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("loading sender keys: %w", err)
	}

	// Seal against the service's current device list: a device revoked
	// since the last fetch must not receive this message, and one added
	// since must.
	if _, err := e.directory.Fetch(ctx, groupID); err != nil {
		return nil, fmt.Errorf("refreshing device list: %w", err)
	}
	recipients, err := e.directory.DevicesFor(ctx, groupID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}

	sender := envelope.Identity{
		UserID:           e.opts.UserID,
		DeviceID:         e.opts.DeviceID,
		KeyVersion:       keys.Version,
		SigningSeed:      keys.Signing.Seed,
		AgreementPrivate: keys.Agreement.Private,
	}

	return e.enc.Seal(ctx, plaintext, sender, recipients, groupID, convID)
}

// HandleEnvelope decodes and decrypts an inbound envelope. Messages land on
// the OnMessage callback; per-message failures land on OnUndecryptable and
// return nil. Only structural problems (undecodable input, missing local
// keys, cancellation) return an error.
func (e *Engine) HandleEnvelope(ctx context.Context, raw []byte) error {
	env, err := envelope.Decode(raw)
	if err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}

	if key, ok := e.volatile.Get(env.MessageID); ok {
		return e.openWithCachedKey(ctx, env, key, false)
	}

	key, ok, err := e.persist.Get(ctx, env.MessageID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleEnvelope",
			"message_id": env.MessageID,
			"error":      err.Error(),
		}).Warn("Persistent cache read failed, deriving instead")
	} else if ok {
		return e.openWithCachedKey(ctx, env, key, true)
	}

	return e.deriveAndDeliver(ctx, env)
}

func (e *Engine) openWithCachedKey(ctx context.Context, env *envelope.Envelope, key [32]byte, promote bool) error {
	result, err := e.dec.OpenWithKey(ctx, env, key)
	if err != nil {
		e.notifyUndecryptable(env, PlaceholderAuthFailed, err)
		return nil
	}

	if promote {
		e.volatile.Put(env.MessageID, key)
	}
	e.deliver(env, result)
	return nil
}

func (e *Engine) deriveAndDeliver(ctx context.Context, env *envelope.Envelope) error {
	keys, err := e.keys.Keys(env.GroupID, e.opts.DeviceID)
	if err != nil {
		return fmt.Errorf("loading local keys: %w", err)
	}

	local := envelope.Identity{
		UserID:           e.opts.UserID,
		DeviceID:         e.opts.DeviceID,
		KeyVersion:       keys.Version,
		SigningSeed:      keys.Signing.Seed,
		AgreementPrivate: keys.Agreement.Private,
	}

	outcomes := e.dec.OpenAsync(ctx, e.pool, env, local)
	select {
	case outcome := <-outcomes:
		return e.finishOpen(ctx, env, keys, outcome)
	case <-ctx.Done():
		// The decryption still completes; keep its key so the redelivery
		// is a cache hit.
		go e.cacheAbandoned(env, outcomes)
		return ctx.Err()
	}
}

func (e *Engine) finishOpen(ctx context.Context, env *envelope.Envelope, keys *keymgr.DeviceKeys, outcome envelope.OpenOutcome) error {
	switch {
	case outcome.Err == nil:
	case errors.Is(outcome.Err, envelope.ErrNotAddressedToThisDevice):
		logrus.WithFields(logrus.Fields{
			"function":   "finishOpen",
			"message_id": env.MessageID,
		}).Debug("Envelope not addressed to this device")
		return nil
	case errors.Is(outcome.Err, envelope.ErrKeyUnwrapFailed),
		errors.Is(outcome.Err, envelope.ErrMessageAuthenticationFailed):
		e.notifyUndecryptable(env, classifyFailure(outcome.Err, keys), outcome.Err)
		return nil
	default:
		return fmt.Errorf("opening envelope: %w", outcome.Err)
	}

	result := outcome.Result
	if e.deliver(env, result) {
		e.volatile.Put(env.MessageID, result.MessageKey)
	} else {
		e.volatile.PutSkipped(env.MessageID, result.MessageKey)
	}
	e.savePersistent(ctx, env, result.MessageKey)
	return nil
}

func (e *Engine) cacheAbandoned(env *envelope.Envelope, outcomes <-chan envelope.OpenOutcome) {
	outcome := <-outcomes
	if outcome.Err != nil {
		return
	}

	e.volatile.PutSkipped(env.MessageID, outcome.Result.MessageKey)
	e.savePersistent(context.Background(), env, outcome.Result.MessageKey)

	logrus.WithFields(logrus.Fields{
		"function":   "cacheAbandoned",
		"message_id": env.MessageID,
	}).Debug("Cached key from abandoned decryption")
}

// deliver invokes the message callback and reports whether delivery
// happened. With no callback registered the message key is retained by the
// caller for later redelivery.
func (e *Engine) deliver(env *envelope.Envelope, result *envelope.OpenResult) bool {
	e.callbackMu.RLock()
	cb := e.onMessage
	e.callbackMu.RUnlock()

	if cb == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deliver",
			"message_id": env.MessageID,
		}).Debug("No message callback registered, holding key")
		return false
	}

	cb(&IncomingMessage{
		GroupID:        env.GroupID,
		ConvID:         env.ConvID,
		MessageID:      env.MessageID,
		SenderUserID:   result.SenderUserID,
		SenderDeviceID: result.SenderDeviceID,
		Plaintext:      result.Plaintext,
		SignatureValid: result.SignatureValid,
	})
	e.metrics.Delivered.Inc()
	return true
}

func (e *Engine) notifyUndecryptable(env *envelope.Envelope, placeholder string, cause error) {
	e.metrics.Undecryptable.Inc()

	logrus.WithFields(logrus.Fields{
		"function":    "notifyUndecryptable",
		"group_id":    env.GroupID,
		"message_id":  env.MessageID,
		"sender":      env.Sender.DeviceID,
		"placeholder": placeholder,
	}).Warn("Message could not be decrypted")

	e.callbackMu.RLock()
	cb := e.onUndecryptable
	e.callbackMu.RUnlock()
	if cb == nil {
		return
	}

	cb(&UndecryptableMessage{
		GroupID:        env.GroupID,
		ConvID:         env.ConvID,
		MessageID:      env.MessageID,
		SenderUserID:   env.Sender.UserID,
		SenderDeviceID: env.Sender.DeviceID,
		Placeholder:    placeholder,
		Cause:          cause,
	})
}

func (e *Engine) savePersistent(ctx context.Context, env *envelope.Envelope, key [32]byte) {
	err := e.persist.Save(ctx, env.MessageID, env.GroupID,
		env.Sender.UserID, env.Sender.DeviceID, env.Sender.DeviceID, key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "savePersistent",
			"message_id": env.MessageID,
			"error":      err.Error(),
		}).Warn("Persistent cache write failed")
	}
}

// classifyFailure picks the placeholder for a failed decryption. A key
// unwrap failure after this device has rotated its keys most likely means
// the sender sealed against a previous key generation; without rotation
// history the age cannot be inferred and the generic placeholder is used.
func classifyFailure(err error, keys *keymgr.DeviceKeys) string {
	if errors.Is(err, envelope.ErrKeyUnwrapFailed) && keys != nil && keys.Version > 1 {
		return PlaceholderTooOld
	}
	return PlaceholderAuthFailed
}
