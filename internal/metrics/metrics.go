package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuixiaotu/lbdm/internal/models"
)

const namespace = "lbdm"

// Collector exposes Prometheus metrics for inbound HTTP requests and the
// ingestion pipeline. It satisfies the observer interfaces of the database,
// ingestion and scheduler packages.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	pollCycles       prometheus.Counter
	pollSkipped      prometheus.Counter
	pollDuration     prometheus.Histogram
	polledRooms      prometheus.Gauge
	queueSize        prometheus.Gauge
	facetTotal       *prometheus.CounterVec
	facetRows        *prometheus.CounterVec
	facetDuration    *prometheus.HistogramVec
	deadlockRetries  *prometheus.CounterVec
	poolRebuilds     prometheus.Counter
	credentialChecks *prometheus.CounterVec
}

// NewCollector constructs a collector on its own registry.
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles.",
		}),
		pollSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "poll_cycles_skipped_total",
			Help:      "Ticks dropped because a cycle was still running.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Wall time of a poll cycle.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		polledRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "polled_rooms",
			Help:      "Rooms visited by the last poll cycle.",
		}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "queue_size",
			Help:      "Rooms in the monitor queue.",
		}),
		facetTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "facets_total",
			Help:      "Facet collections by facet and outcome.",
		}, []string{"facet", "outcome"}),
		facetRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "rows_written_total",
			Help:      "Rows affected by facet writes.",
		}, []string{"facet"}),
		facetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "facet_duration_seconds",
			Help:      "Fetch plus write latency per facet.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"facet"}),
		deadlockRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "deadlock_retries_total",
			Help:      "Writes retried after a deadlock.",
		}, []string{"table"}),
		poolRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "pool_rebuilds_total",
			Help:      "Connection pools rebuilt after credential expiry.",
		}),
		credentialChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "checks_total",
			Help:      "Credential probes by result.",
		}, []string{"result"}),
	}

	for _, col := range []prometheus.Collector{
		c.requestDuration,
		c.requestTotal,
		c.pollCycles,
		c.pollSkipped,
		c.pollDuration,
		c.polledRooms,
		c.queueSize,
		c.facetTotal,
		c.facetRows,
		c.facetDuration,
		c.deadlockRetries,
		c.poolRebuilds,
		c.credentialChecks,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
// Requests routed by a ServeMux are labelled with their pattern.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// PollCycle records a completed cycle.
func (c *Collector) PollCycle(d time.Duration, rooms int) {
	c.pollCycles.Inc()
	c.pollDuration.Observe(d.Seconds())
	c.polledRooms.Set(float64(rooms))
}

func (c *Collector) PollSkipped() {
	c.pollSkipped.Inc()
}

func (c *Collector) QueueSize(n int) {
	c.queueSize.Set(float64(n))
}

func (c *Collector) CredentialCheck(result string) {
	c.credentialChecks.WithLabelValues(result).Inc()
}

// FacetCollected records one facet outcome.
func (c *Collector) FacetCollected(facet models.Facet, rows int64, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.facetTotal.WithLabelValues(string(facet), outcome).Inc()
	c.facetRows.WithLabelValues(string(facet)).Add(float64(rows))
	c.facetDuration.WithLabelValues(string(facet)).Observe(d.Seconds())
}

func (c *Collector) DeadlockRetried(table string) {
	c.deadlockRetries.WithLabelValues(table).Inc()
}

func (c *Collector) PoolRebuilt() {
	c.poolRebuilds.Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
