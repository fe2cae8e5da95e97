// Package metrics instruments pipeline activity. Instruments are
// registered twice on purpose: once with the OpenTelemetry meter for
// whatever pipeline the host process wires up, and once with a local
// Prometheus registry backing the --metrics-addr endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/shipwright/internal/metrics"

// Metrics holds every instrument the pipeline records to.
type Metrics struct {
	registry *prometheus.Registry

	phaseCompletions  metric.Int64Counter
	phaseDuration     metric.Float64Histogram
	dispatches        metric.Int64Counter
	dispatchDuration  metric.Float64Histogram
	findings          metric.Int64Counter
	iterations        metric.Int64Gauge
	workspaceEvents   metric.Int64Counter

	promPhases     *prometheus.CounterVec
	promPhaseDur   *prometheus.HistogramVec
	promDispatches *prometheus.CounterVec
	promFindings   *prometheus.CounterVec
	promIteration  prometheus.Gauge
	promWorkspace  *prometheus.CounterVec
}

// New creates all instruments. Instrument creation only fails on name
// collisions, which would be a programming error, so errors propagate.
func New() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{registry: prometheus.NewRegistry()}

	var err error
	m.phaseCompletions, err = meter.Int64Counter(
		"shipwright.pipeline.phase_completions",
		metric.WithDescription("Phases completed, by phase and outcome"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating phase counter: %w", err)
	}
	m.phaseDuration, err = meter.Float64Histogram(
		"shipwright.pipeline.phase_duration",
		metric.WithDescription("Wall-clock duration of completed phases"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating phase duration histogram: %w", err)
	}
	m.dispatches, err = meter.Int64Counter(
		"shipwright.worker.dispatches",
		metric.WithDescription("Worker dispatches, by role and outcome"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch counter: %w", err)
	}
	m.dispatchDuration, err = meter.Float64Histogram(
		"shipwright.worker.dispatch_duration",
		metric.WithDescription("Wall-clock duration of worker dispatches"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch duration histogram: %w", err)
	}
	m.findings, err = meter.Int64Counter(
		"shipwright.review.findings",
		metric.WithDescription("Review findings, by severity"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating findings counter: %w", err)
	}
	m.iterations, err = meter.Int64Gauge(
		"shipwright.governor.iteration",
		metric.WithDescription("Current global iteration number"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating iteration gauge: %w", err)
	}
	m.workspaceEvents, err = meter.Int64Counter(
		"shipwright.workspace.events",
		metric.WithDescription("Workspace lifecycle events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating workspace counter: %w", err)
	}

	m.promPhases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shipwright_pipeline_phase_completions_total",
		Help: "Phases completed, by phase and outcome.",
	}, []string{"phase", "outcome"})
	m.promPhaseDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shipwright_pipeline_phase_duration_seconds",
		Help:    "Wall-clock duration of completed phases.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"phase"})
	m.promDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shipwright_worker_dispatches_total",
		Help: "Worker dispatches, by role and outcome.",
	}, []string{"role", "outcome"})
	m.promFindings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shipwright_review_findings_total",
		Help: "Review findings, by severity.",
	}, []string{"severity"})
	m.promIteration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shipwright_governor_iteration",
		Help: "Current global iteration number.",
	})
	m.promWorkspace = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shipwright_workspace_events_total",
		Help: "Workspace lifecycle events.",
	}, []string{"event"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.promPhases, m.promPhaseDur, m.promDispatches,
		m.promFindings, m.promIteration, m.promWorkspace,
	)
	return m, nil
}

// PhaseCompleted records one finished phase.
func (m *Metrics) PhaseCompleted(ctx context.Context, phase, outcome string, elapsed time.Duration) {
	m.phaseCompletions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("outcome", outcome),
	))
	m.phaseDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("phase", phase),
	))
	m.promPhases.WithLabelValues(phase, outcome).Inc()
	m.promPhaseDur.WithLabelValues(phase).Observe(elapsed.Seconds())
}

// DispatchCompleted records one worker dispatch, successful or not.
func (m *Metrics) DispatchCompleted(ctx context.Context, role, outcome string, elapsed time.Duration) {
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("outcome", outcome),
	))
	m.dispatchDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("role", role),
	))
	m.promDispatches.WithLabelValues(role, outcome).Inc()
	m.promDispatchDurObserve(role, elapsed)
}

func (m *Metrics) promDispatchDurObserve(role string, elapsed time.Duration) {
	// Dispatch durations share the phase histogram buckets.
	m.promPhaseDur.WithLabelValues("dispatch:" + role).Observe(elapsed.Seconds())
}

// FindingRecorded counts one review finding.
func (m *Metrics) FindingRecorded(ctx context.Context, severity string) {
	m.findings.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
	m.promFindings.WithLabelValues(severity).Inc()
}

// IterationAdvanced publishes the governor's current iteration number.
func (m *Metrics) IterationAdvanced(ctx context.Context, iteration int) {
	m.iterations.Record(ctx, int64(iteration))
	m.promIteration.Set(float64(iteration))
}

// WorkspaceEvent counts a workspace lifecycle transition.
func (m *Metrics) WorkspaceEvent(ctx context.Context, event string) {
	m.workspaceEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	m.promWorkspace.WithLabelValues(event).Inc()
}

// Handler exposes the Prometheus registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
