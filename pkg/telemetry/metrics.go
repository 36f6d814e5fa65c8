package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Metrics holds the Prometheus collectors for a stagehand invocation. Values
// are fed from engine events and written to a textfile on exit.
type Metrics struct {
	config MetricsConfig

	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	checkpoints  *prometheus.CounterVec
	reboots      prometheus.Counter
	lastRun      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Runs started or resumed, by kind",
			},
			[]string{"kind"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Runs that reached a terminal status",
			},
			[]string{"status"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Steps executed, by outcome",
			},
			[]string{"outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_total",
				Help:      "Checkpoint decisions, by outcome",
			},
			[]string{"outcome"},
		),
		reboots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reboots_requested_total",
				Help:      "Restarts requested by checkpoints",
			},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last run event, by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.steps,
		m.stepDuration,
		m.checkpoints,
		m.reboots,
		m.lastRun,
	)

	return m, nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Publish updates the collectors from an engine event.
func (m *Metrics) Publish(_ context.Context, event *engine.Event) error {
	if m.registry == nil || event == nil {
		return nil
	}

	switch event.Type {
	case engine.EventTypeRunStarted:
		m.runsStarted.WithLabelValues("fresh").Inc()
	case engine.EventTypeRunResumed:
		m.runsStarted.WithLabelValues("resumed").Inc()
	case engine.EventTypeRunCompleted:
		m.finishRun("completed", event.Timestamp)
	case engine.EventTypeRunFailed:
		m.finishRun("failed", event.Timestamp)
	case engine.EventTypeRunInterrupted:
		m.finishRun("interrupted", event.Timestamp)
	case engine.EventTypeStepCompleted:
		m.recordStep("succeeded", event.Duration)
	case engine.EventTypeStepSkipped:
		m.recordStep("skipped", event.Duration)
	case engine.EventTypeStepFailed:
		outcome := "failed"
		if r, ok := event.Details["result"].(string); ok && r != "" {
			outcome = r
		}
		var d time.Duration
		if ms, ok := event.Details["duration_ms"].(int64); ok {
			d = time.Duration(ms) * time.Millisecond
		}
		m.recordStep(outcome, d)
	case engine.EventTypeCheckpointDecided:
		if outcome, ok := event.Details["outcome"].(string); ok {
			m.checkpoints.WithLabelValues(outcome).Inc()
		}
	case engine.EventTypeRestartRequested:
		m.reboots.Inc()
	case engine.EventTypeRestartFailed:
		m.finishRun("restart_failed", event.Timestamp)
	}
	return nil
}

func (m *Metrics) finishRun(status string, at time.Time) {
	m.runsFinished.WithLabelValues(status).Inc()
	if at.IsZero() {
		at = time.Now()
	}
	m.lastRun.WithLabelValues(status).Set(float64(at.Unix()))
}

func (m *Metrics) recordStep(outcome string, d time.Duration) {
	m.steps.WithLabelValues(outcome).Inc()
	m.stepDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// WriteTextfile writes the collectors in the text exposition format to the
// configured textfile. It is a no-op when metrics or the textfile are unset.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.Textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.Textfile), 0o755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.config.Textfile, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
