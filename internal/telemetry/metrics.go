// Package telemetry holds the Prometheus collectors shared by the monitor.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Heartbeats counts ingest attempts by variant (token|name) and result.
	Heartbeats *prometheus.CounterVec

	AlertsOpened   *prometheus.CounterVec
	AlertsResolved *prometheus.CounterVec

	IncidentsOpened   prometheus.Counter
	IncidentsResolved *prometheus.CounterVec

	SweepDuration prometheus.Histogram
	SweepErrors   prometheus.Counter

	// Agents is the fleet size per status as of the last sweep.
	Agents *prometheus.GaugeVec

	NotifyFailures prometheus.Counter
}

// New registers every collector on reg. A nil reg gets a private registry,
// which keeps tests free of duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetpulse_heartbeats_total",
			Help: "Heartbeats received, by auth variant and outcome.",
		}, []string{"variant", "result"}),

		AlertsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetpulse_alerts_opened_total",
			Help: "Alerts created, by alert type.",
		}, []string{"type"}),

		AlertsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetpulse_alerts_resolved_total",
			Help: "Alerts resolved, by alert type.",
		}, []string{"type"}),

		IncidentsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "fleetpulse_incidents_opened_total",
			Help: "Incidents created.",
		}),

		IncidentsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetpulse_incidents_resolved_total",
			Help: "Incidents resolved, by actor kind (system|operator).",
		}, []string{"actor_kind"}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetpulse_sweep_duration_seconds",
			Help:    "Wall time of one offline sweep over the fleet.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		SweepErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fleetpulse_sweep_errors_total",
			Help: "Per-agent failures during offline sweeps.",
		}),

		Agents: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetpulse_agents",
			Help: "Number of agents per status.",
		}, []string{"status"}),

		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "fleetpulse_notify_failures_total",
			Help: "Live-update publishes that failed or were short-circuited.",
		}),
	}
}

// ActorKind buckets an actor name for the incidents_resolved label.
func ActorKind(actor string) string {
	if actor == "" || actor == "system" {
		return "system"
	}
	return "operator"
}
