package keycache

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultVolatileTTL is how long an in-memory key stays servable.
	DefaultVolatileTTL = 24 * time.Hour

	// DefaultVolatileMaxEntries caps the in-memory cache across both the
	// main and skipped-key maps.
	DefaultVolatileMaxEntries = 2000
)

type cachedKey struct {
	key       [32]byte
	createdAt time.Time
}

// Volatile is the session-scoped message-key cache. It starts empty on
// every construction and never touches disk.
type Volatile struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]cachedKey
	skipped map[string]cachedKey
	metrics *Metrics
	now     func() time.Time
}

// NewVolatile creates an empty in-memory cache. Non-positive ttl or max fall
// back to the defaults.
func NewVolatile(ttl time.Duration, maxEntries int, metrics *Metrics) *Volatile {
	if ttl <= 0 {
		ttl = DefaultVolatileTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultVolatileMaxEntries
	}
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}

	return &Volatile{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]cachedKey),
		skipped: make(map[string]cachedKey),
		metrics: metrics,
		now:     time.Now,
	}
}

// Get returns the cached key for a message. The skipped-key sub-map is
// consulted as a fallback on the same path. Expired entries are misses.
func (v *Volatile) Get(messageID string) ([32]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if entry, ok := v.entries[messageID]; ok && now.Sub(entry.createdAt) < v.ttl {
		v.metrics.VolatileHits.Inc()
		return entry.key, true
	}
	if entry, ok := v.skipped[messageID]; ok && now.Sub(entry.createdAt) < v.ttl {
		v.metrics.VolatileHits.Inc()
		return entry.key, true
	}

	v.metrics.VolatileMisses.Inc()
	return [32]byte{}, false
}

// Put caches a freshly derived or promoted key. Last write wins for a
// repeated message ID.
func (v *Volatile) Put(messageID string, key [32]byte) {
	if messageID == "" {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries[messageID] = cachedKey{key: key, createdAt: v.now()}
	delete(v.skipped, messageID)
	v.evictLocked()
}

// PutSkipped caches a key derived for a message that arrived out of
// delivery order. Same TTL, served by the same Get path.
func (v *Volatile) PutSkipped(messageID string, key [32]byte) {
	if messageID == "" {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.entries[messageID]; ok {
		return
	}
	v.skipped[messageID] = cachedKey{key: key, createdAt: v.now()}
	v.evictLocked()
}

// Sweep drops every expired entry and reports how many were removed. The
// engine calls this on a timer; Get never serves expired entries either way.
func (v *Volatile) Sweep() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.removeExpiredLocked()
}

// Len reports the number of live entries across both maps.
func (v *Volatile) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries) + len(v.skipped)
}

// evictLocked enforces the entry cap: expired entries go first, then the
// oldest remaining, until the cache is back under its limit.
func (v *Volatile) evictLocked() {
	if len(v.entries)+len(v.skipped) <= v.max {
		return
	}

	removed := v.removeExpiredLocked()

	type aged struct {
		id        string
		skipped   bool
		createdAt time.Time
	}
	all := make([]aged, 0, len(v.entries)+len(v.skipped))
	for id, entry := range v.entries {
		all = append(all, aged{id: id, createdAt: entry.createdAt})
	}
	for id, entry := range v.skipped {
		all = append(all, aged{id: id, skipped: true, createdAt: entry.createdAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })

	for _, candidate := range all {
		if len(v.entries)+len(v.skipped) <= v.max {
			break
		}
		if candidate.skipped {
			delete(v.skipped, candidate.id)
		} else {
			delete(v.entries, candidate.id)
		}
		v.metrics.VolatileEvicted.Inc()
		removed++
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "evictLocked",
			"removed":  removed,
			"size":     len(v.entries) + len(v.skipped),
		}).Debug("volatile cache evicted entries")
	}
}

func (v *Volatile) removeExpiredLocked() int {
	now := v.now()
	removed := 0
	for id, entry := range v.entries {
		if now.Sub(entry.createdAt) >= v.ttl {
			delete(v.entries, id)
			v.metrics.VolatileEvicted.Inc()
			removed++
		}
	}
	for id, entry := range v.skipped {
		if now.Sub(entry.createdAt) >= v.ttl {
			delete(v.skipped, id)
			v.metrics.VolatileEvicted.Inc()
			removed++
		}
	}
	return removed
}
