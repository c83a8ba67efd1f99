package keycache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts cache outcomes for both tiers. Register on the process
// registry in production; pass nil to NewMetrics in tests for unregistered
// counters.
type Metrics struct {
	VolatileHits     prometheus.Counter
	VolatileMisses   prometheus.Counter
	VolatileEvicted  prometheus.Counter
	PersistentHits   prometheus.Counter
	PersistentMisses prometheus.Counter
	Invalidated      prometheus.Counter
	ExpiredCleaned   prometheus.Counter
}

// NewMetrics builds the cache counters and registers them with reg. A nil
// reg skips registration; the counters still count.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sealcore",
			Subsystem: "keycache",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		VolatileHits:     counter("volatile_hits_total", "Message keys served from the in-memory cache."),
		VolatileMisses:   counter("volatile_misses_total", "In-memory cache lookups that found nothing."),
		VolatileEvicted:  counter("volatile_evicted_total", "Entries evicted from the in-memory cache."),
		PersistentHits:   counter("persistent_hits_total", "Message keys unsealed from the persistent cache."),
		PersistentMisses: counter("persistent_misses_total", "Persistent cache lookups that found nothing usable."),
		Invalidated:      counter("invalidated_rows_total", "Persistent rows deleted by device revocation."),
		ExpiredCleaned:   counter("expired_rows_total", "Persistent rows removed by scheduled cleanup."),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.VolatileHits, m.VolatileMisses, m.VolatileEvicted,
			m.PersistentHits, m.PersistentMisses, m.Invalidated, m.ExpiredCleaned,
		} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register cache metrics: %w", err)
			}
		}
	}

	return m, nil
}
