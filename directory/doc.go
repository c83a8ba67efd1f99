// Package directory maintains the per-group view of device public keys.
//
// The authoritative list lives on the directory service; this package owns
// fetching it, caching it, and answering recipient and verification lookups
// against it. Entire group lists are replaced atomically on refresh, never
// patched field by field, so readers always observe a consistent snapshot.
//
// Fingerprints are always computed locally from the raw key bytes carried
// in the response. A directory-supplied fingerprint is never trusted.
//
// Revoked devices stay in the list so old envelopes remain attributable,
// but they are excluded from every recipient lookup. Revocation triggers
// the registered hook synchronously before Revoke returns, which is how
// cached message keys derived from the revoked device get purged.
package directory
