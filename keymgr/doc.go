// Package keymgr manages this device's signing and agreement key material
// across messaging groups.
//
// Each (group, device) scope owns an Ed25519 signing key pair and a
// Curve25519 agreement key pair, both derived deterministically from a
// single 32-byte device identity seed held in protected storage. Derivation
// is bound to the scope and a key version, so rotating bumps the version
// and yields fresh keys while the seed alone, exportable as a BIP-39
// recovery phrase, is sufficient to rebuild everything.
//
// Key loading reports explicit errors: a caller can always distinguish "no
// keys provisioned yet" (ErrKeysNotFound) from "stored material
// unreadable". Only EnsureKeys applies the regenerate-and-republish policy;
// nothing regenerates silently.
package keymgr
