// Package metrics exposes Prometheus instrumentation for the pipeline,
// the enrichment runner, and the sync core. Everything is nil-safe: when
// METRICS_ENABLED is off every recorder is a no-op, so callers never have
// to guard their own instrumentation.
package metrics

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/truthforge/forge/internal/dlq"
	"github.com/truthforge/forge/internal/logger"
)

type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec
	recordsOut    *prometheus.CounterVec

	passTotal    *prometheus.CounterVec
	passDuration *prometheus.HistogramVec

	eventsProcessed *prometheus.CounterVec
	eventsRetried   *prometheus.CounterVec
	eventsAbandoned *prometheus.CounterVec
	busDepth        prometheus.Gauge

	fanoutTotal    *prometheus.CounterVec
	conflictsTotal *prometheus.CounterVec
	syncErrors     *prometheus.CounterVec

	dlqDepth *prometheus.GaugeVec

	registry *prometheus.Registry
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Enabled reports whether METRICS_ENABLED requests instrumentation.
func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

// Current returns the process-wide instance, nil when metrics are off.
func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

// Init builds and registers the instance once. Returns nil when disabled.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		m := &Metrics{registry: prometheus.NewRegistry()}

		m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds by stage and status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage", "status"})
		m.stageTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "pipeline_stage_total",
			Help:      "Pipeline stage executions by stage and status.",
		}, []string{"stage", "status"})
		m.recordsOut = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "pipeline_records_total",
			Help:      "Records written per stage.",
		}, []string{"stage"})

		m.passTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "enrichment_targets_total",
			Help:      "Enrichment targets by pass and outcome.",
		}, []string{"pass", "outcome"})
		m.passDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Name:      "enrichment_run_duration_seconds",
			Help:      "Full enrichment run duration in seconds by pass.",
			Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"pass"})

		m.eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "sync_events_processed_total",
			Help:      "Bus events processed by kind and status.",
		}, []string{"kind", "status"})
		m.eventsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "sync_events_retried_total",
			Help:      "Bus event redeliveries by kind.",
		}, []string{"kind"})
		m.eventsAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "sync_events_abandoned_total",
			Help:      "Bus events dropped after exhausting retries, by kind.",
		}, []string{"kind"})
		m.busDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Name:      "sync_bus_depth",
			Help:      "Events waiting across all bus priority queues.",
		})

		m.fanoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "sync_fanout_total",
			Help:      "Fan-out writes by destination and status.",
		}, []string{"destination", "status"})
		m.conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "sync_conflicts_total",
			Help:      "Conflict resolutions by outcome reason.",
		}, []string{"reason"})
		m.syncErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "sync_errors_total",
			Help:      "Reported sync errors by system and error type.",
		}, []string{"system", "error_type"})

		m.dlqDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forge",
			Name:      "dlq_depth",
			Help:      "Dead-letter queue depth by stage.",
		}, []string{"stage"})

		m.registry.MustRegister(
			m.stageDuration, m.stageTotal, m.recordsOut,
			m.passTotal, m.passDuration,
			m.eventsProcessed, m.eventsRetried, m.eventsAbandoned, m.busDepth,
			m.fanoutTotal, m.conflictsTotal, m.syncErrors,
			m.dlqDepth,
		)
		m.registry.MustRegister(prometheus.NewGoCollector())

		instance = m
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveStage(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(stage, status).Inc()
	if dur > 0 {
		m.stageDuration.WithLabelValues(stage, status).Observe(dur.Seconds())
	}
}

func (m *Metrics) AddStageRecords(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsOut.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) ObserveEnrichmentRun(pass string, enriched, failed int, dur time.Duration) {
	if m == nil {
		return
	}
	if enriched > 0 {
		m.passTotal.WithLabelValues(pass, "enriched").Add(float64(enriched))
	}
	if failed > 0 {
		m.passTotal.WithLabelValues(pass, "failed").Add(float64(failed))
	}
	m.passDuration.WithLabelValues(pass).Observe(dur.Seconds())
}

func (m *Metrics) IncEventProcessed(kind, status string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) IncEventRetried(kind string) {
	if m == nil {
		return
	}
	m.eventsRetried.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncEventAbandoned(kind string) {
	if m == nil {
		return
	}
	m.eventsAbandoned.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetBusDepth(depth int) {
	if m == nil {
		return
	}
	m.busDepth.Set(float64(depth))
}

func (m *Metrics) IncFanout(destination, status string) {
	if m == nil {
		return
	}
	m.fanoutTotal.WithLabelValues(destination, status).Inc()
}

func (m *Metrics) IncConflict(reason string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSyncError(system, errType string) {
	if m == nil {
		return
	}
	m.syncErrors.WithLabelValues(system, errType).Inc()
}

// StartDLQCollector samples dead-letter depths for the named stages on the
// scrape interval until ctx is done.
func (m *Metrics) StartDLQCollector(ctx context.Context, log *logger.Logger, root string, stages []string) {
	if m == nil || root == "" || len(stages) == 0 {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, stage := range stages {
					q, err := dlq.New(root, stage)
					if err != nil {
						if log != nil {
							log.Warn("metrics: dlq unavailable", "stage", stage, "error", err)
						}
						continue
					}
					n, err := q.Count()
					if err != nil {
						continue
					}
					m.dlqDepth.WithLabelValues(stage).Set(float64(n))
				}
			}
		}
	}()
}
