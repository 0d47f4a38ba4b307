// Package prometheus adapts observability.Observer to Prometheus metrics,
// in the counter/gauge/histogram style used throughout the example pack's
// metrics packages. This adapter is optional: nothing under pkg/dcb
// imports it, and wiring it into an application is the caller's choice.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observer implements observability.Observer by updating a fixed set of
// Prometheus collectors registered at construction time.
type Observer struct {
	commandTotal         *prometheus.CounterVec
	commandDuration      *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec
	processorCycles      *prometheus.CounterVec
	leadershipChanges    *prometheus.CounterVec
}

// New registers and returns a Prometheus-backed Observer.
func New() *Observer {
	return &Observer{
		commandTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dcb_commands_total",
			Help: "Total number of commands executed, by type and outcome.",
		}, []string{"command_type", "outcome"}),
		commandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dcb_command_duration_seconds",
			Help:    "Command execution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command_type"}),
		eventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dcb_events_appended_total",
			Help: "Total number of events appended, by type.",
		}, []string{"event_type"}),
		concurrencyConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dcb_concurrency_conflicts_total",
			Help: "Total number of append-condition conflicts, by event type.",
		}, []string{"event_type"}),
		processorCycles: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dcb_processor_cycles_total",
			Help: "Total number of processor cycles completed, by processor and outcome.",
		}, []string{"processor_id", "outcome"}),
		leadershipChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dcb_leadership_changes_total",
			Help: "Total number of leadership acquisitions/losses, by processor.",
		}, []string{"processor_id", "direction"}),
	}
}

func (o *Observer) CommandCompleted(commandType string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.commandTotal.WithLabelValues(commandType, outcome).Inc()
	o.commandDuration.WithLabelValues(commandType).Observe(duration.Seconds())
}

func (o *Observer) EventsAppended(eventType string, count int) {
	o.eventsAppended.WithLabelValues(eventType).Add(float64(count))
}

func (o *Observer) ConcurrencyConflict(eventType string) {
	o.concurrencyConflicts.WithLabelValues(eventType).Inc()
}

func (o *Observer) ProcessorCycleCompleted(processorID string, handledCount int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.processorCycles.WithLabelValues(processorID, outcome).Inc()
}

func (o *Observer) LeadershipChanged(processorID, instanceID string, acquired bool) {
	direction := "lost"
	if acquired {
		direction = "acquired"
	}
	o.leadershipChanges.WithLabelValues(processorID, direction).Inc()
}
