// Package metrics exposes Prometheus collectors for fetch runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "btcfetch"

// Metrics holds the collectors for RPC traffic and fetch runs. It implements
// jsonrpc.Observer.
type Metrics struct {
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	blocksFetched  prometheus.Counter
	runs           *prometheus.CounterVec
	tipHeight      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and HTTP status.",
		}, []string{"method", "status", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "JSON-RPC request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_retries_total",
			Help:      "Rate-limited requests that were re-issued.",
		}, []string{"method"}),
		blocksFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_fetched_total",
			Help:      "Block headers fetched and encoded.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Fetch runs by result.",
		}, []string{"result"}),
		tipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_tip_height",
			Help:      "Last block count reported by the node.",
		}),
	}

	reg.MustRegister(m.requests, m.requestLatency, m.retries, m.blocksFetched, m.runs, m.tipHeight)
	return m
}

// RequestDone records one HTTP exchange.
func (m *Metrics) RequestDone(method string, status int, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status), outcome).Inc()
	m.requestLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RequestRetried records a rate-limit retry.
func (m *Metrics) RequestRetried(method string) {
	m.retries.WithLabelValues(method).Inc()
}

// BlocksFetched adds n encoded blocks.
func (m *Metrics) BlocksFetched(n int) {
	m.blocksFetched.Add(float64(n))
}

// RunFinished records the result of one fetch run.
func (m *Metrics) RunFinished(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.runs.WithLabelValues(result).Inc()
}

// SetTip records the node's block count.
func (m *Metrics) SetTip(height int64) {
	m.tipHeight.Set(float64(height))
}

// Handler returns an HTTP handler serving the registry in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
