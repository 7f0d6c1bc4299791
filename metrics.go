package lfs

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors exported by a mounted filesystem.
// Registration is left to the caller (cmd/lfsctl's mount registers them on
// a fresh registry and serves /metrics via promhttp; embedders may register
// against their own registry instead), mirroring how gcsfuse threads an
// optional metrics handle through its mount path instead of relying on
// package-level global state.
type Metrics struct {
	FreeSegmentRatio prometheus.Gauge
	Checkpoints      prometheus.Counter
	CleanerPasses    prometheus.Counter
	SegmentsCleaned  prometheus.Counter
	BytesWritten     prometheus.Counter
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
}

// NewMetrics constructs an unregistered Metrics set with sane collector names.
func NewMetrics() *Metrics {
	return &Metrics{
		FreeSegmentRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lfs",
			Name:      "free_segment_ratio",
			Help:      "Fraction of log segments currently free.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfs",
			Name:      "checkpoints_total",
			Help:      "Number of checkpoints successfully emitted.",
		}),
		CleanerPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfs",
			Name:      "cleaner_passes_total",
			Help:      "Number of garbage collector passes run.",
		}),
		SegmentsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfs",
			Name:      "segments_cleaned_total",
			Help:      "Number of segments transitioned from full to free by the cleaner.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lfs",
			Name:      "bytes_written_total",
			Help:      "Bytes appended to the log across all segments.",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lfs",
			Name:      "cache_hits_total",
			Help:      "Cache hits by cache name (buffer, inode).",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lfs",
			Name:      "cache_misses_total",
			Help:      "Cache misses by cache name (buffer, inode).",
		}, []string{"cache"}),
	}
}

// Collectors returns every collector, for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FreeSegmentRatio, m.Checkpoints, m.CleanerPasses,
		m.SegmentsCleaned, m.BytesWritten, m.CacheHits, m.CacheMisses,
	}
}
