package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements MetricsCollector on Prometheus counters.
type PrometheusMetrics struct {
	received      prometheus.Counter
	completed     prometheus.Counter
	abandoned     prometheus.Counter
	deadLettered  prometheus.Counter
	repaired      prometheus.Counter
	repairFailed  prometheus.Counter
	replayed      prometheus.Counter
	quarantined   prometheus.Counter
	leaseLost     prometheus.Counter
	publishFailed prometheus.Counter
}

// NewPrometheusMetrics builds pipeline counters and registers them with
// reg. Registration conflicts surface as a panic at startup, which is
// where they belong.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "redrive",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	return &PrometheusMetrics{
		received:      counter("messages_received_total", "Messages leased from a source"),
		completed:     counter("messages_completed_total", "Messages acknowledged on the live destination"),
		abandoned:     counter("messages_abandoned_total", "Leases released for redelivery"),
		deadLettered:  counter("messages_dead_lettered_total", "Messages explicitly moved to a dead-letter sub-queue"),
		repaired:      counter("messages_repaired_total", "Dead-lettered messages successfully repaired"),
		repairFailed:  counter("repair_failures_total", "Dead-lettered messages that could not be repaired"),
		replayed:      counter("messages_replayed_total", "Repaired messages replayed to the live destination"),
		quarantined:   counter("messages_quarantined_total", "Messages forwarded to the quarantine destination"),
		leaseLost:     counter("lease_expirations_total", "Settlements rejected for a stale lock token"),
		publishFailed: counter("publish_failures_total", "Publishes rejected by the broker"),
	}
}

// StartMetricsServer exposes the gatherer on addr at /metrics until ctx is
// canceled. Serve failures are logged, not fatal: a busy port should not
// take the pipeline down with it.
func StartMetricsServer(ctx context.Context, addr string, g prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			GetLogger().WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (m *PrometheusMetrics) IncReceived()      { m.received.Inc() }
func (m *PrometheusMetrics) IncCompleted()     { m.completed.Inc() }
func (m *PrometheusMetrics) IncAbandoned()     { m.abandoned.Inc() }
func (m *PrometheusMetrics) IncDeadLettered()  { m.deadLettered.Inc() }
func (m *PrometheusMetrics) IncRepaired()      { m.repaired.Inc() }
func (m *PrometheusMetrics) IncRepairFailed()  { m.repairFailed.Inc() }
func (m *PrometheusMetrics) IncReplayed()      { m.replayed.Inc() }
func (m *PrometheusMetrics) IncQuarantined()   { m.quarantined.Inc() }
func (m *PrometheusMetrics) IncLeaseLost()     { m.leaseLost.Inc() }
func (m *PrometheusMetrics) IncPublishFailed() { m.publishFailed.Inc() }
