// Package metrics exposes engine and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/splitledger/ledger"
)

const namespace = "splitledger"

// Collector implements ledger.Metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	mutations      *prometheus.CounterVec
	recomputes     *prometheus.HistogramVec
	hookFailures   *prometheus.CounterVec
	historyFailure *prometheus.CounterVec
	requests       *prometheus.HistogramVec
}

// New registers all collectors, plus the Go and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Ledger mutations by operation and result.",
		}, []string{"op", "result"}),
		recomputes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_recompute_seconds",
			Help:      "Settlement plan recompute latency by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_commit_hook_failures_total",
			Help:      "Post-commit hooks that returned an error or panicked.",
		}, []string{"hook"}),
		historyFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_write_failures_total",
			Help:      "History entries that could not be recorded.",
		}, []string{"action"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	c.registry.MustRegister(
		c.mutations,
		c.recomputes,
		c.hookFailures,
		c.historyFailure,
		c.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) Mutation(op string, err error) {
	c.mutations.WithLabelValues(op, result(err)).Inc()
}

func (c *Collector) Recompute(_ string, d time.Duration, err error) {
	c.recomputes.WithLabelValues(result(err)).Observe(d.Seconds())
}

func (c *Collector) HookFailed(hook string) {
	c.hookFailures.WithLabelValues(hook).Inc()
}

func (c *Collector) HistoryWriteFailed(action ledger.HistoryAction) {
	c.historyFailure.WithLabelValues(string(action)).Inc()
}

// ObserveRequest records one HTTP request. route is the matched pattern,
// not the raw path, to bound label cardinality.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry is exposed for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

var _ ledger.Metrics = (*Collector)(nil)
