package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// CVR store metrics
	LoadsTotal          *prometheus.CounterVec
	LoadDuration        prometheus.Histogram
	FlushesTotal        *prometheus.CounterVec
	FlushDuration       *prometheus.HistogramVec
	ConflictsTotal      prometheus.Counter
	OwnershipRejections prometheus.Counter

	// Row tier metrics
	RowsFlushedTotal    prometheus.Counter
	RowBatchesPending   prometheus.Gauge
	CatchupBatchesTotal prometheus.Counter

	// Transform metrics
	TransformRequestsTotal *prometheus.CounterVec
	TransformErrorsTotal   *prometheus.CounterVec
	CacheHits              *prometheus.CounterVec
	CacheMisses            *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		LoadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viewsync_cvr_loads_total",
				Help: "Total number of CVR load operations",
			},
			[]string{"status"},
		),

		LoadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "viewsync_cvr_load_duration_seconds",
				Help:    "Duration of CVR load operations including row catch-up waits",
				Buckets: prometheus.DefBuckets,
			},
		),

		FlushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viewsync_cvr_flushes_total",
				Help: "Total number of CVR flush operations",
			},
			[]string{"status"},
		),

		FlushDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "viewsync_cvr_flush_duration_seconds",
				Help:    "Duration of CVR flush operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),

		ConflictsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "viewsync_cvr_conflicts_total",
				Help: "Total number of optimistic-concurrency conflicts detected",
			},
		),

		OwnershipRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "viewsync_cvr_ownership_rejections_total",
				Help: "Total number of loads rejected because a newer task owns the CVR",
			},
		),

		RowsFlushedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "viewsync_cvr_rows_flushed_total",
				Help: "Total number of row records written by the row tier",
			},
		),

		RowBatchesPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "viewsync_cvr_row_batches_pending",
				Help: "Number of deferred row batches awaiting durable commit",
			},
		),

		CatchupBatchesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "viewsync_cvr_catchup_batches_total",
				Help: "Total number of catch-up row patch batches served",
			},
		),

		TransformRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viewsync_transform_requests_total",
				Help: "Total number of batched requests to the transform authority",
			},
			[]string{"status"},
		),

		TransformErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viewsync_transform_errors_total",
				Help: "Total number of per-query transform errors",
			},
			[]string{"kind"},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viewsync_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),

		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viewsync_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
	}
}

// RecordLoad records a CVR load outcome
func (m *Metrics) RecordLoad(status string, seconds float64) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(status).Inc()
	m.LoadDuration.Observe(seconds)
}

// RecordFlush records a CVR flush outcome for one tier
func (m *Metrics) RecordFlush(status, tier string, seconds float64) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(status).Inc()
	m.FlushDuration.WithLabelValues(tier).Observe(seconds)
}

// RecordConflict records an optimistic-concurrency conflict
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

// RecordOwnershipRejection records a load rejected by ownership arbitration
func (m *Metrics) RecordOwnershipRejection() {
	if m == nil {
		return
	}
	m.OwnershipRejections.Inc()
}

// RecordRowsFlushed records rows durably written by the row tier
func (m *Metrics) RecordRowsFlushed(n int) {
	if m == nil {
		return
	}
	m.RowsFlushedTotal.Add(float64(n))
}

// SetRowBatchesPending updates the deferred batch depth gauge
func (m *Metrics) SetRowBatchesPending(n int) {
	if m == nil {
		return
	}
	m.RowBatchesPending.Set(float64(n))
}

// RecordCatchupBatch records one served catch-up batch
func (m *Metrics) RecordCatchupBatch() {
	if m == nil {
		return
	}
	m.CatchupBatchesTotal.Inc()
}

// RecordTransformRequest records one batched transform request
func (m *Metrics) RecordTransformRequest(status string) {
	if m == nil {
		return
	}
	m.TransformRequestsTotal.WithLabelValues(status).Inc()
}

// RecordTransformError records one per-query transform error
func (m *Metrics) RecordTransformError(kind string) {
	if m == nil {
		return
	}
	m.TransformErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(cacheType string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}
