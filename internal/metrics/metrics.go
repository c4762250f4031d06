package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects run metrics on a private registry. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	componentRuns  *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	acceleratorInf *prometheus.GaugeVec
	lastRunSuccess prometheus.Gauge
	lastRunTime    prometheus.Gauge
}

func New(environment string) *Recorder {
	labels := prometheus.Labels{"environment": environment}

	r := &Recorder{
		registry: prometheus.NewRegistry(),
		componentRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "lotabots",
				Subsystem:   "deploy",
				Name:        "component_runs_total",
				Help:        "Component pipelines by overall outcome",
				ConstLabels: labels,
			},
			[]string{"component", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   "lotabots",
				Subsystem:   "deploy",
				Name:        "stage_duration_seconds",
				Help:        "Duration of build, test and install stages",
				ConstLabels: labels,
				Buckets:     []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"component", "stage", "outcome"},
		),
		acceleratorInf: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "lotabots",
				Subsystem:   "deploy",
				Name:        "accelerator_info",
				Help:        "Detected accelerator status for the last run",
				ConstLabels: labels,
			},
			[]string{"status", "driver_version"},
		),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "lotabots",
			Subsystem:   "deploy",
			Name:        "last_run_success",
			Help:        "1 if the last run succeeded, 0 otherwise",
			ConstLabels: labels,
		}),
		lastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "lotabots",
			Subsystem:   "deploy",
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time the last run finished",
			ConstLabels: labels,
		}),
	}

	r.registry.MustRegister(r.componentRuns, r.stageDuration, r.acceleratorInf, r.lastRunSuccess, r.lastRunTime)
	return r
}

func (r *Recorder) Accelerator(status, driverVersion string) {
	if r == nil {
		return
	}
	r.acceleratorInf.WithLabelValues(status, driverVersion).Set(1)
}

func (r *Recorder) Stage(component, stage, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(component, stage, outcome).Observe(d.Seconds())
}

func (r *Recorder) Component(component, outcome string) {
	if r == nil {
		return
	}
	r.componentRuns.WithLabelValues(component, outcome).Inc()
}

func (r *Recorder) Finish(success bool, at time.Time) {
	if r == nil {
		return
	}
	if success {
		r.lastRunSuccess.Set(1)
	} else {
		r.lastRunSuccess.Set(0)
	}
	r.lastRunTime.Set(float64(at.Unix()))
}

func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the metrics in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
