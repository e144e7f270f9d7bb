package internal

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/sony/gobreaker/v2"
)

// NewMetrics creates a new Prometheus registry with default collectors already
// registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)

	return reg
}

var _metricsNamespace = "lectern"

// _patternRE is used for stripping all `{...}` segments from the pattern
// to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

// resolverMetrics counts tiered-resolution outcomes.
type resolverMetrics struct {
	totals  *prometheus.CounterVec
	pending *prometheus.GaugeVec
}

// providerMetrics counts upstream calls, retries, and breaker state.
type providerMetrics struct {
	calls   *prometheus.CounterVec
	retries *prometheus.CounterVec
	state   *prometheus.GaugeVec
}

// coverMetrics counts cover pipeline attempts and selections.
type coverMetrics struct {
	attempts   *prometheus.CounterVec
	selections *prometheus.CounterVec
}

// jobMetrics tracks scheduler job runs.
type jobMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

type dbMetrics struct {
	dirty atomic.Bool // dirty signals that the DB has been modified so stats should be collected.
	gauge *prometheus.GaugeVec
}

// instrument wraps an HTTP handler to automatically record timing and status
// codes.
func instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := normalizePattern(r.Pattern)
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

func newResolverMetrics(reg *prometheus.Registry) *resolverMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "resolver",
			Name:      "total_operations",
			Help:      "Counts of resolution outcomes by tier.",
		},
		[]string{"tier", "outcome"},
	)
	pending := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "resolver",
			Name:      "pending_operations",
			Help:      "Counts of pending background operations by type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals, pending)
	}
	return &resolverMetrics{totals: totals, pending: pending}
}

func newProviderMetrics(reg *prometheus.Registry) *providerMetrics {
	calls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "calls",
			Help:      "Counts of provider calls by operation and outcome.",
		},
		[]string{"provider", "op", "outcome"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "retries",
			Help:      "Counts of retried provider calls.",
		},
		[]string{"provider", "op"},
	)
	state := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		},
		[]string{"breaker"},
	)
	if reg != nil {
		reg.MustRegister(calls, retries, state)
	}
	return &providerMetrics{calls: calls, retries: retries, state: state}
}

func newCoverMetrics(reg *prometheus.Registry) *coverMetrics {
	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cover",
			Name:      "attempts",
			Help:      "Counts of cover fetch attempts by source and status.",
		},
		[]string{"source", "status"},
	)
	selections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cover",
			Name:      "selections",
			Help:      "Counts of final cover selections by source.",
		},
		[]string{"source"},
	)
	if reg != nil {
		reg.MustRegister(attempts, selections)
	}
	return &coverMetrics{attempts: attempts, selections: selections}
}

func newJobMetrics(reg *prometheus.Registry) *jobMetrics {
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "runs",
			Help:      "Counts of scheduled job runs by outcome.",
		},
		[]string{"job", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Scheduled job durations.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"job"},
	)
	if reg != nil {
		reg.MustRegister(runs, duration)
	}
	return &jobMetrics{runs: runs, duration: duration}
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for cache system.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func newDBMetrics(db *pgxpool.Pool, reg *prometheus.Registry) *dbMetrics {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "db",
			Name:      "total",
			Help:      "Counts of persisted objects by type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(gauge, pgxpoolprometheus.NewCollector(db, nil))
	}
	dbm := &dbMetrics{gauge: gauge}
	// This is a moderately expensive query so we only run it every 5 minutes,
	// and only if there's been some DB activity that changed the relevant
	// stats.
	dbm.dirty.Store(true) // Start dirty to trigger an initial query.
	go func() {
		ctx := context.Background()
		for {
			if dbm.dirty.Load() {
				row := db.QueryRow(ctx, `
				  SELECT
					(SELECT count(*) FROM books),
					(SELECT count(*) FROM authors),
					(SELECT count(*) FROM book_collections),
					(SELECT count(*) FROM book_external_ids),
					(SELECT count(*) FROM book_recommendations);
				`)
				var books, authors, collections, externalIDs, recommendations int64
				err := row.Scan(&books, &authors, &collections, &externalIDs, &recommendations)
				if err != nil {
					Log(ctx).Warn("problem collecting db stats", "err", err)
				} else {
					dbm.gauge.WithLabelValues("books").Set(float64(books))
					dbm.gauge.WithLabelValues("authors").Set(float64(authors))
					dbm.gauge.WithLabelValues("collections").Set(float64(collections))
					dbm.gauge.WithLabelValues("external_ids").Set(float64(externalIDs))
					dbm.gauge.WithLabelValues("recommendations").Set(float64(recommendations))
				}
				dbm.dirty.Store(false)
			}
			time.Sleep(5 * time.Minute)
		}
	}()
	return dbm
}

// touch marks the DB stats as stale after a write.
func (dbm *dbMetrics) touch() {
	if dbm == nil {
		return
	}
	dbm.dirty.Store(true)
}

func (rm *resolverMetrics) tierInc(tier, outcome string) {
	rm.totals.WithLabelValues(tier, outcome).Inc()
}

func (rm *resolverMetrics) tierGet(tier, outcome string) float64 {
	m := &dto.Metric{}
	err := rm.totals.WithLabelValues(tier, outcome).Write(m)
	if err != nil {
		return 0.0
	}
	return m.GetCounter().GetValue()
}

func (rm *resolverMetrics) pendingAdd(kind string, delta int64) {
	if delta == 0 {
		return
	}
	rm.pending.WithLabelValues(kind).Add(float64(delta))
}

func (rm *resolverMetrics) pendingGet(kind string) float64 {
	m := &dto.Metric{}
	err := rm.pending.WithLabelValues(kind).Write(m)
	if err != nil {
		return 0.0
	}
	return m.GetGauge().GetValue()
}

func (pm *providerMetrics) callInc(provider Source, op, outcome string) {
	pm.calls.WithLabelValues(string(provider), op, outcome).Inc()
}

func (pm *providerMetrics) retryInc(provider Source, op string) {
	pm.retries.WithLabelValues(string(provider), op).Inc()
}

// stateChanged feeds breaker transitions into the state gauge.
func (pm *providerMetrics) stateChanged(name string, _, to gobreaker.State) {
	v := 0.0
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1.0
	case gobreaker.StateOpen:
		v = 2.0
	}
	pm.state.WithLabelValues(name).Set(v)
}

func (cm *coverMetrics) attemptInc(source Source, status coverStatus) {
	cm.attempts.WithLabelValues(string(source), string(status)).Inc()
}

func (cm *coverMetrics) selectionInc(source Source) {
	cm.selections.WithLabelValues(string(source)).Inc()
}

func (jm *jobMetrics) ran(job string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	jm.runs.WithLabelValues(job, outcome).Inc()
	jm.duration.WithLabelValues(job).Observe(d.Seconds())
}

func (jm *jobMetrics) suppressed(job string) {
	jm.runs.WithLabelValues(job, "suppressed").Inc()
}

func (cm *cacheMetrics) cacheHitInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("hits").Inc()
}

func (cm *cacheMetrics) cacheHitGet() int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("hits").Write(m)
	if err != nil {
		return 0.0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) cacheMissInc() {
	if cm == nil {
		return
	}
	cm.totals.WithLabelValues("misses").Inc()
}

func (cm *cacheMetrics) cacheMissGet() int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("misses").Write(m)
	if err != nil {
		return 0.0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) cacheHitRatioGet() float64 {
	hits := cm.cacheHitGet()
	misses := cm.cacheMissGet()
	if hits+misses == 0 {
		return 0.0
	}
	ratio := float64(hits) / float64(hits+misses)
	return ratio
}

// normalizePattern derives the constant label from the pattern:
//
//	"/book/{identifier}" → "/book"
//	"/search/authors"    → "/search/authors"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
