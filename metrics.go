package sealcore

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics counts message outcomes at the engine surface. Cache-level
// counters live in keycache.Metrics.
type engineMetrics struct {
	Sent          prometheus.Counter
	Delivered     prometheus.Counter
	Undecryptable prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) (*engineMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sealcore",
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		})
	}

	m := &engineMetrics{
		Sent:          counter("messages_sent_total", "Envelopes sealed and handed to the transport."),
		Delivered:     counter("messages_delivered_total", "Envelopes decrypted and delivered to the message callback."),
		Undecryptable: counter("messages_undecryptable_total", "Envelopes that failed key unwrap or authentication."),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Sent, m.Delivered, m.Undecryptable} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering engine metrics: %w", err)
		}
	}
	return m, nil
}
