package mvstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector on Prometheus metrics.
type PrometheusCollector struct {
	opLatency   *prometheus.HistogramVec
	commitBytes prometheus.Counter
	commitPages prometheus.Counter
	compacted   prometheus.Counter
	pageReads   *prometheus.CounterVec
	readBytes   prometheus.Counter
	chunksFreed prometheus.Counter
	recoveries  prometheus.Counter
}

// NewPrometheusCollector creates the collector and registers its metrics with
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusCollector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mvstore_operation_latency_seconds",
			Help:    "Latency of commits and compactions",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		commitBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mvstore_commit_bytes_total",
			Help: "Bytes written by commits",
		}),
		commitPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mvstore_commit_pages_total",
			Help: "Pages written by commits",
		}),
		compacted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mvstore_compacted_pages_total",
			Help: "Pages rewritten by compaction",
		}),
		pageReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mvstore_page_reads_total",
			Help: "Page loads by source",
		}, []string{"source"}),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mvstore_page_read_bytes_total",
			Help: "Bytes read from the file for page loads",
		}),
		chunksFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mvstore_chunks_freed_total",
			Help: "Chunks returned to the free space",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mvstore_recoveries_total",
			Help: "Opens that fell back to an older version",
		}),
	}
	for _, c := range []prometheus.Collector{
		p.opLatency, p.commitBytes, p.commitPages, p.compacted,
		p.pageReads, p.readBytes, p.chunksFreed, p.recoveries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordCommit implements MetricsCollector.
func (p *PrometheusCollector) RecordCommit(pages, bytes int, d time.Duration, err error) {
	p.opLatency.WithLabelValues("commit", statusLabel(err)).Observe(d.Seconds())
	if err == nil {
		p.commitPages.Add(float64(pages))
		p.commitBytes.Add(float64(bytes))
	}
}

// RecordCompaction implements MetricsCollector.
func (p *PrometheusCollector) RecordCompaction(_, pages int, d time.Duration, err error) {
	p.opLatency.WithLabelValues("compact", statusLabel(err)).Observe(d.Seconds())
	if err == nil {
		p.compacted.Add(float64(pages))
	}
}

// RecordPageRead implements MetricsCollector.
func (p *PrometheusCollector) RecordPageRead(bytes int, cached bool) {
	if cached {
		p.pageReads.WithLabelValues("cache").Inc()
		return
	}
	p.pageReads.WithLabelValues("file").Inc()
	p.readBytes.Add(float64(bytes))
}

// RecordChunksFreed implements MetricsCollector.
func (p *PrometheusCollector) RecordChunksFreed(chunks int, _ uint64) {
	p.chunksFreed.Add(float64(chunks))
}

// RecordRecovery implements MetricsCollector.
func (p *PrometheusCollector) RecordRecovery(int) {
	p.recoveries.Inc()
}
