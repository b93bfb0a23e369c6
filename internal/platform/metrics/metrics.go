// Package metrics holds the Prometheus instruments of the donation pipeline.
// Every method is safe on a nil *Metrics so that services and tests can run
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Transitions        *prometheus.CounterVec
	SweepRuns          *prometheus.CounterVec
	SweepAffected      *prometheus.CounterVec
	SweepDuration      *prometheus.HistogramVec
	Reservations       *prometheus.CounterVec
	ReservedQuantity   prometheus.Counter
	InventoryAdjusted  *prometheus.CounterVec
	InventoryDrift     prometheus.Counter
	NotificationsSent  *prometheus.CounterVec
	NotificationQueued prometheus.Gauge
}

// New registers the instruments on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_transitions_total",
			Help: "Successful state transitions by entity and resulting state",
		}, []string{"entity", "to"}),
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_sweep_runs_total",
			Help: "Background sweep runs by job and result",
		}, []string{"job", "result"}),
		SweepAffected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_sweep_affected_total",
			Help: "Records changed by background sweeps",
		}, []string{"job"}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bloodbank_sweep_duration_seconds",
			Help:    "Duration of background sweep runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"job"}),
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_reservations_total",
			Help: "Reservation requests by outcome (full, partial, empty)",
		}, []string{"outcome"}),
		ReservedQuantity: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodbank_reserved_quantity_ml_total",
			Help: "Volume reserved against outgoing requests",
		}),
		InventoryAdjusted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_inventory_adjusted_ml_total",
			Help: "Volume added to or removed from inventory records",
		}, []string{"direction", "reason"}),
		InventoryDrift: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodbank_inventory_drift_records_total",
			Help: "Inventory records repaired by reconciliation",
		}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_notifications_total",
			Help: "Notification deliveries by sender and result",
		}, []string{"sender", "result"}),
		NotificationQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "bloodbank_notification_queue_depth",
			Help: "Notifications waiting for the dispatcher",
		}),
	}
}

func (m *Metrics) IncTransition(entity, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(entity, to).Inc()
}

// ObserveSweep records one run of a background job.
func (m *Metrics) ObserveSweep(job string, start time.Time, affected int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SweepRuns.WithLabelValues(job, result).Inc()
	m.SweepAffected.WithLabelValues(job).Add(float64(affected))
	m.SweepDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveReservation(requested, reserved int) {
	if m == nil {
		return
	}
	outcome := "full"
	switch {
	case reserved == 0:
		outcome = "empty"
	case reserved < requested:
		outcome = "partial"
	}
	m.Reservations.WithLabelValues(outcome).Inc()
	m.ReservedQuantity.Add(float64(reserved))
}

// AdjustInventory records a signed change to an inventory record.
func (m *Metrics) AdjustInventory(delta int, reason string) {
	if m == nil || delta == 0 {
		return
	}
	direction := "in"
	if delta < 0 {
		direction = "out"
		delta = -delta
	}
	m.InventoryAdjusted.WithLabelValues(direction, reason).Add(float64(delta))
}

func (m *Metrics) AddDrift(n int) {
	if m == nil {
		return
	}
	m.InventoryDrift.Add(float64(n))
}

func (m *Metrics) IncNotification(sender string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.NotificationsSent.WithLabelValues(sender, result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.NotificationQueued.Set(float64(n))
}
