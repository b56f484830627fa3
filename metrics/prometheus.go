/*
Package metrics exports engine metrics in Prometheus format.

PURPOSE:
  Implements rental.Metrics with a counter and a latency histogram per
  command, plus gauges fed by the scheduler's sweep. Each Recorder owns
  its registry so tests and multiple servers never collide on the default
  one.

SERIES:
  rental_commands_total{command,outcome}
  rental_command_duration_seconds{command}
  rental_sweep_notifications_total{kind}
  rental_sweep_last_run_timestamp_seconds

SEE ALSO:
  - rental/lifecycle.go: Calls ObserveCommand
  - api/scheduler.go: Calls ObserveSweep
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder collects engine metrics.
type Recorder struct {
	registry *prometheus.Registry
	commands *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	notices  *prometheus.CounterVec
	lastRun  prometheus.Gauge
}

// New registers the engine collectors plus Go and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rental",
			Name:      "commands_total",
			Help:      "Lifecycle commands by outcome.",
		}, []string{"command", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rental",
			Name:      "command_duration_seconds",
			Help:      "Lifecycle command latency including lock wait.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"command"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rental",
			Name:      "sweep_notifications_total",
			Help:      "Notifications queued by the sweep.",
		}, []string{"kind"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rental",
			Name:      "sweep_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed sweep.",
		}),
	}
	r.registry.MustRegister(
		r.commands, r.latency, r.notices, r.lastRun,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveCommand implements rental.Metrics.
func (r *Recorder) ObserveCommand(command, outcome string, elapsed time.Duration) {
	r.commands.WithLabelValues(command, outcome).Inc()
	r.latency.WithLabelValues(command).Observe(elapsed.Seconds())
}

// ObserveSweep records one sweep run.
func (r *Recorder) ObserveSweep(dueSoon, overdue int, at time.Time) {
	r.notices.WithLabelValues("due_soon").Add(float64(dueSoon))
	r.notices.WithLabelValues("overdue").Add(float64(overdue))
	r.lastRun.Set(float64(at.Unix()))
}

// Handler serves the registry for /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
