package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	metadataCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metadata_cache_results_total",
			Help: "Metadata cache lookups by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	metadataExtract = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metadata_extract_total",
			Help: "Metadata extractions by result (ok, skipped, error).",
		},
		[]string{"result"},
	)

	metadataEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metadata_cache_entries",
			Help: "Number of images held in the metadata cache.",
		},
	)

	cutoutCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutout_cache_results_total",
			Help: "Cutout cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	cutoutGenerateSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutout_generate_seconds",
			Help:    "Time to read, cut and write one cutout.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"mode"},
	)

	catalogQuerySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_query_seconds",
			Help:    "Latency of catalog queries.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"backend", "query", "result"},
	)

	redisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of Redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0002, 2, 14),
		},
		[]string{"op"},
	)

	cacheOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis operations by result.",
		},
		[]string{"op", "result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		metadataCacheResults, metadataExtract, metadataEntries,
		cutoutCacheResults, cutoutGenerateSeconds, catalogQuerySeconds,
		redisOpDuration, cacheOpTotal,
	}
}

// Init additionally registers the service collectors on reg, so they are served
// by a dedicated metrics registry as well as the default one. Build info is left
// to the registry owner.
func Init(reg prometheus.Registerer, enabled bool) {
	if reg == nil || !enabled {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveMetadataLookup counts a get or fetch as hit or miss.
func ObserveMetadataLookup(op string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	metadataCacheResults.WithLabelValues(op, outcome).Inc()
}

func IncMetadataExtract(result string) {
	metadataExtract.WithLabelValues(result).Inc()
}

func SetMetadataEntries(n int) {
	metadataEntries.Set(float64(n))
}

// IncCutoutResult records hit, miss, overlap or error.
func IncCutoutResult(outcome string) {
	cutoutCacheResults.WithLabelValues(outcome).Inc()
}

func ObserveCutoutGenerate(mode string, durationSeconds float64) {
	cutoutGenerateSeconds.WithLabelValues(mode).Observe(durationSeconds)
}

func ObserveCatalogQuery(backend, query string, err error, durationSeconds float64) {
	catalogQuerySeconds.WithLabelValues(backend, query, result(err)).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
	cacheOpTotal.WithLabelValues(op, result(err)).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
