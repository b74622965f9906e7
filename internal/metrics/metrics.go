// Package metrics exposes router metrics to Prometheus.
//
// A nil *Metrics is valid and records nothing, which keeps tests and
// library callers free of global collector state.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "amm_router"

// Metrics holds the router collectors.
type Metrics struct {
	reserveRefreshes *prometheus.CounterVec
	quotes           *prometheus.CounterVec
	routeSearch      prometheus.Histogram
	routesPruned     prometheus.Counter
	gasEstimates     *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	transactions     *prometheus.CounterVec
	apiRequests      *prometheus.CounterVec
	apiDuration      *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reserveRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reserve_refreshes_total",
			Help:      "Pool reserve refreshes by result",
		}, []string{"result"}),
		quotes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quotes_total",
			Help:      "Quotes served by result",
		}, []string{"result"}),
		routeSearch: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_search_duration_seconds",
			Help:      "Route search latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		routesPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_pruned_total",
			Help:      "Candidate paths discarded by the output bound",
		}),
		gasEstimates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_estimates_total",
			Help:      "Gas estimates by tier",
		}, []string{"tier"}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast attempts by result",
		}, []string{"result"}),
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions reaching a final lifecycle state",
		}, []string{"status"}),
		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API requests",
		}, []string{"method", "endpoint", "status"}),
		apiDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (m *Metrics) ObserveRefresh(ok bool) {
	if m == nil {
		return
	}
	m.reserveRefreshes.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ObserveQuote(ok bool) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ObserveRouteSearch(d time.Duration, pruned int) {
	if m == nil {
		return
	}
	m.routeSearch.Observe(d.Seconds())
	m.routesPruned.Add(float64(pruned))
}

func (m *Metrics) ObserveGasEstimate(tier string) {
	if m == nil {
		return
	}
	m.gasEstimates.WithLabelValues(tier).Inc()
}

// ObserveBroadcast records one broadcast attempt; result is ok, nonce_too_low or error.
func (m *Metrics) ObserveBroadcast(result string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTransaction(status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveRequest(method, endpoint string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.apiDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
