package vaultfs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of one store. A nil *Metrics
// records nothing.
type Metrics struct {
	ops               *prometheus.CounterVec
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
	integrityFailures prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	openHandles       prometheus.Gauge
	inodes            prometheus.Gauge

	reg prometheus.Registerer
}

// NewMetrics creates the collectors for the store with the given id and
// registers them on reg. A nil reg returns nil.
func NewMetrics(reg prometheus.Registerer, storeID string) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"store": storeID}

	m := &Metrics{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "vaultfs_operations_total",
				Help:        "Total number of filesystem operations",
				ConstLabels: labels,
			},
			[]string{"op", "result"},
		),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vaultfs_bytes_read_total",
			Help:        "Total plaintext bytes read from files",
			ConstLabels: labels,
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vaultfs_bytes_written_total",
			Help:        "Total plaintext bytes written to files",
			ConstLabels: labels,
		}),
		integrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vaultfs_integrity_failures_total",
			Help:        "Chunks that failed authentication",
			ConstLabels: labels,
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vaultfs_chunk_cache_hits_total",
			Help:        "Chunk reads served from the decrypted chunk cache",
			ConstLabels: labels,
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vaultfs_chunk_cache_misses_total",
			Help:        "Chunk reads that had to decrypt from storage",
			ConstLabels: labels,
		}),
		openHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "vaultfs_open_handles",
			Help:        "Number of open file handles",
			ConstLabels: labels,
		}),
		inodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "vaultfs_inodes",
			Help:        "Number of live inodes",
			ConstLabels: labels,
		}),
		reg: reg,
	}

	for i, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, done := range m.collectors()[:i] {
				reg.Unregister(done)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ops, m.bytesRead, m.bytesWritten, m.integrityFailures,
		m.cacheHits, m.cacheMisses, m.openHandles, m.inodes,
	}
}

// unregister removes the collectors when the store closes
func (m *Metrics) unregister() {
	if m == nil {
		return
	}
	for _, c := range m.collectors() {
		m.reg.Unregister(c)
	}
}

// observe counts one operation by its status
func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = statusName(StatusCode(err))
	}
	m.ops.WithLabelValues(op, result).Inc()
}

func (m *Metrics) addRead(n int) {
	if m != nil && n > 0 {
		m.bytesRead.Add(float64(n))
	}
}

func (m *Metrics) addWritten(n int) {
	if m != nil && n > 0 {
		m.bytesWritten.Add(float64(n))
	}
}

func (m *Metrics) integrityFailure() {
	if m != nil {
		m.integrityFailures.Inc()
	}
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) setOpenHandles(n int) {
	if m != nil {
		m.openHandles.Set(float64(n))
	}
}

func (m *Metrics) setInodes(n int) {
	if m != nil {
		m.inodes.Set(float64(n))
	}
}

func statusName(code int) string {
	switch code {
	case StatusOK:
		return "ok"
	case StatusAuth:
		return "auth"
	case StatusNotFound:
		return "not_found"
	case StatusAlreadyExists:
		return "already_exists"
	case StatusNotEmpty:
		return "not_empty"
	case StatusNotAFile:
		return "not_a_file"
	case StatusNotADirectory:
		return "not_a_directory"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusInvalidHandle:
		return "invalid_handle"
	case StatusIntegrity:
		return "integrity"
	case StatusIO:
		return "io"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}
