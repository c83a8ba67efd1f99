// Package envelope builds and opens multi-recipient encrypted message
// envelopes.
//
// An envelope carries one AEAD-encrypted payload plus a per-recipient wrap of
// the payload key. The sender generates a fresh ephemeral X25519 keypair per
// envelope, derives a key-encryption key for each recipient device via ECDH
// and HKDF-SHA-256, and signs the canonical form of the envelope with its
// Ed25519 device key. Recipients unwrap their copy of the payload key, decrypt
// the body, and verify the signature against the sender's published key.
//
// Sealing and opening are CPU-bound. The Pool type provides the bounded
// worker execution the decryption path runs on, so bulk history loads cannot
// saturate the process.
//
// Basic usage:
//
//	enc := envelope.NewEncryptionEngine()
//	env, err := enc.Seal(ctx, []byte("hello"), sender, recipients, "g1", "c1")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	dec, err := envelope.NewDecryptionEngine(dir)
//	if err != nil {
//		log.Fatal(err)
//	}
//	res, err := dec.Open(ctx, env, local)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("%s (verified=%v)\n", res.Plaintext, res.SignatureValid)
//
// Signature verification is advisory. A failed verification never withholds
// plaintext; it is reported through OpenResult.SignatureValid so callers can
// mark the message as unverified.
package envelope
