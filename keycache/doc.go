// Package keycache holds derived per-message symmetric keys so repeated
// opens of the same envelope skip the asymmetric unwrap.
//
// Two tiers with different lifetimes:
//
//   - Volatile: in-memory, session-scoped, TTL plus entry cap. Reconstructed
//     empty on every process start. A secondary sub-map holds keys derived
//     for messages that arrived out of delivery order; Get consults it as a
//     fallback.
//   - Persistent: sqlite-backed, surviving restarts. Keys are sealed with
//     XChaCha20-Poly1305 under a master key that lives in the secure store
//     and never leaves the device. Rows expire after seven days and rows
//     touching a revoked device are deleted synchronously on revocation.
//
// The caches never decide what a key means; they store and return bytes.
// Both report hit/miss/eviction counts through Metrics.
package keycache
