package manager

import (
	"github.com/gaffer-run/gaffer/pkg/metrics"
)

// WireMetrics subscribes event-driven Prometheus counters to the
// Manager's own lifecycle events, so spawns/exits/flaps are counted as
// they happen rather than sampled by Collector's poll.
func (m *Manager) WireMetrics() {
	m.Events.Subscribe("spawn", func(_ string, _ ...interface{}) {
		metrics.ProcessSpawnsTotal.Inc()
	})
	m.Events.Subscribe("exit", func(_ string, args ...interface{}) {
		signaled := "false"
		if len(args) >= 4 {
			if sig, ok := args[3].(int); ok && sig != 0 {
				signaled = "true"
			}
		}
		metrics.ProcessExitsTotal.WithLabelValues(signaled).Inc()
	})
	m.Events.Subscribe("flap", func(_ string, _ ...interface{}) {
		metrics.JobFlapsTotal.Inc()
	})
}
