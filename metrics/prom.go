package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PastesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permapaste_pastes_published_total",
			Help: "no. of pastes committed to the ledger",
		},
		[]string{"privacy"},
	)
	RecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permapaste_records_fetched_total",
			Help: "no. of records resolved, by source",
		},
		[]string{"source"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permapaste_cache_hits_total",
			Help: "no. of record cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permapaste_cache_misses_total",
		Help: "no. of lookups that fell through to the ledger",
	})
	CipherOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permapaste_cipher_operations_total",
			Help: "no. of encrypt/decrypt operations",
		},
		[]string{"operation", "result"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "permapaste_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permapaste_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "permapaste_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
