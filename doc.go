// Package sealcore implements end-to-end encryption for multi-device group
// messaging.
//
// Every message is sealed once with a fresh random message key, and that key
// is wrapped individually for each recipient device using an ephemeral
// X25519 agreement against the device's published public key. Recipients
// unwrap their copy, decrypt the body, and verify an advisory Ed25519
// signature over the canonical envelope fields. Message keys feed a
// two-tier cache (in-memory with TTL, encrypted sqlite on disk) so history
// can be re-read without repeating the elliptic-curve work, and revoking a
// device synchronously removes every cached key it touched.
//
// # Getting Started
//
// Create an Engine with options and register callbacks for inbound
// messages:
//
//	options := sealcore.NewOptions()
//	options.UserID = "alice"
//	options.DeviceID = "alice-laptop"
//	options.DirectoryURL = "https://directory.example.com"
//	options.Store = fileStore
//	options.Send = func(ctx context.Context, env *envelope.Envelope) error {
//	    return transport.Deliver(ctx, env)
//	}
//
//	engine, err := sealcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	engine.OnMessage(func(msg *sealcore.IncomingMessage) {
//	    fmt.Printf("%s: %s\n", msg.SenderUserID, msg.Plaintext)
//	})
//
//	engine.OnUndecryptable(func(msg *sealcore.UndecryptableMessage) {
//	    fmt.Printf("[%s]\n", msg.Placeholder)
//	})
//
//	engine.Start()
//	defer engine.Stop()
//
// # Sending
//
// Provision and publish keys for a group once, then send. Text is sealed
// for every active device of the addressed users:
//
//	err = engine.EnsureGroupKeys(ctx, "team-chat")
//	env, err := engine.SendText(ctx, "team-chat", "general",
//	    []string{"alice", "bob"}, []byte("hello"))
//
// If local keys are missing at send time, the engine provisions and
// publishes them automatically and retries once.
//
// # Receiving
//
// Raw envelopes from the transport go through HandleEnvelope, which
// consults the caches before deriving:
//
//	err = engine.HandleEnvelope(ctx, rawBytes)
//
// Envelopes not addressed to this device are dropped silently. Messages
// that fail decryption surface through OnUndecryptable with a display
// placeholder; a failed signature check never blocks delivery and instead
// sets IncomingMessage.SignatureValid to false.
//
// # Key Lifecycle
//
//	// Rotate this device's keys for a group and publish the new version.
//	err = engine.RotateKeys(ctx, "team-chat")
//
//	// Revoke a lost device; its cached message keys are gone when this
//	// returns.
//	err = engine.RevokeDevice(ctx, "team-chat", "alice-phone")
//
//	// Back up and restore the device identity seed.
//	phrase, err := engine.ExportRecoveryPhrase()
//	err = engine.ImportRecoveryPhrase(phrase)
//
//	// Short code for out-of-band key verification between users.
//	code, err := engine.SafetyCode("team-chat")
//
// # Thread Safety
//
// The Engine is safe for concurrent use. Decryptions run on a bounded
// worker pool, cache writes are idempotent per message, and a cancelled
// HandleEnvelope still completes its decryption in the background so the
// caches are populated for redelivery.
//
// # Architecture
//
// This package is the integration point for:
//
//   - [crypto]: X25519, Ed25519, HKDF, and XChaCha20-Poly1305 primitives
//   - [keymgr]: per-group device key provisioning, rotation, and recovery
//   - [directory]: cached device-directory client with revocation hooks
//   - [envelope]: sealing, opening, and the bounded decryption pool
//   - [keycache]: volatile and persistent message-key caches
//   - [securestore]: encrypted at-rest storage for seeds and master keys
//   - [config]: YAML configuration with environment overrides
package sealcore
