// Package metrics wires the filter's observability surface to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ScaleFT/envoy-filter-accessfabric/verifier"
)

var (
	jwksFetchFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jwtfilter",
		Name:      "jwks_fetch_failed",
		Help:      "Count of JWKS fetches that failed (network, status, or parse error).",
	})
	jwksFetchSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jwtfilter",
		Name:      "jwks_fetch_success",
		Help:      "Count of JWKS fetches that parsed and published a new snapshot.",
	})
	jwksFetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jwtfilter",
		Name:      "jwks_fetch_duration_seconds",
		Help:      "Latency of successful JWKS fetches.",
		Buckets:   prometheus.DefBuckets,
	})
	jwtAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jwtfilter",
		Name:      "jwt_accepted",
		Help:      "Count of requests whose JWT verified successfully.",
	})
	jwtRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jwtfilter",
		Name:      "jwt_rejected",
		Help:      "Count of requests rejected by the verification pipeline, by verdict.",
	},
		[]string{"verdict"},
	)
)

func init() {
	prometheus.MustRegister(
		jwksFetchFailed,
		jwksFetchSuccess,
		jwksFetchLatency,
		jwtAccepted,
		jwtRejected,
	)
}

// Metrics implements jwks.FetchStats and filter.AcceptStats so both
// packages can report outcomes without importing prometheus directly.
type Metrics struct{}

// New returns a Metrics sink backed by the package's registered
// collectors.
func New() *Metrics {
	return &Metrics{}
}

// FetchSucceeded implements jwks.FetchStats.
func (m *Metrics) FetchSucceeded(latency time.Duration) {
	jwksFetchSuccess.Inc()
	jwksFetchLatency.Observe(latency.Seconds())
}

// FetchFailed implements jwks.FetchStats.
func (m *Metrics) FetchFailed() {
	jwksFetchFailed.Inc()
}

// Accepted implements filter.AcceptStats.
func (m *Metrics) Accepted() {
	jwtAccepted.Inc()
}

// Rejected implements filter.AcceptStats.
func (m *Metrics) Rejected(verdict verifier.VerifyStatus) {
	jwtRejected.WithLabelValues(verdict.String()).Inc()
}
