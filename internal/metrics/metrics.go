package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postcode_api_requests_total",
		Help: "Total number of resource requests by resource type and status",
	}, []string{"resource", "status"})
	RequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postcode_api_request_duration_ms",
		Help:    "Request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"resource"})
	StoreDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postcode_api_store_duration_ms",
		Help:    "Backing store call duration in milliseconds",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
	}, []string{"op"})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcode_api_redis_hits_total",
		Help: "Total redis record cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcode_api_redis_misses_total",
		Help: "Total redis record cache misses",
	})
	RelationshipFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postcode_api_relationship_fetches_total",
		Help: "Relationship fetches by relationship name and outcome (found, missing, error)",
	}, []string{"relationship", "outcome"})
	FanoutDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postcode_api_fanout_duration_ms",
		Help:    "Time spent resolving relationships for one root resource",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"resource"})
	PointOutsideCoverageTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcode_api_point_outside_coverage_total",
		Help: "Point lookups whose nearest postcode was beyond the coverage ceiling",
	})
	BoundaryLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postcode_api_boundary_loads_total",
		Help: "Boundary blob loads by outcome",
	}, []string{"outcome"})
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcode_api_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDurationMs)
	prometheus.MustRegister(StoreDurationMs)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(RelationshipFetchesTotal)
	prometheus.MustRegister(FanoutDurationMs)
	prometheus.MustRegister(PointOutsideCoverageTotal)
	prometheus.MustRegister(BoundaryLoadsTotal)
	prometheus.MustRegister(RateLimitedTotal)
}

// 文档注释：返回 Prometheus 指标处理器，挂载在 API_BASE/metrics
func Handler() http.Handler { return promhttp.Handler() }
