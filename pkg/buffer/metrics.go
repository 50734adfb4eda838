package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tokenstream/metric"
)

// bufferMetrics holds Prometheus metrics for buffer operations.
type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	peeks     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

// newBufferMetrics creates and registers buffer metrics with the provided registry.
func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        help,
		})
	}

	m := &bufferMetrics{
		writes:      counter("writes_total", "Total number of buffer write operations"),
		reads:       counter("reads_total", "Total number of buffer read operations"),
		peeks:       counter("peeks_total", "Total number of buffer peek operations"),
		overflows:   counter("overflows_total", "Total number of buffer overflow events"),
		drops:       counter("drops_total", "Total number of items dropped due to overflow"),
		size:        gauge("size", "Current number of items in buffer"),
		utilization: gauge("utilization", "Buffer utilization (0.0 to 1.0)"),
	}

	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_peeks", m.peeks); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_overflows", m.overflows); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordPeek()     { m.peeks.Inc() }
func (m *bufferMetrics) recordOverflow() { m.overflows.Inc() }
func (m *bufferMetrics) recordDrop()     { m.drops.Inc() }

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
