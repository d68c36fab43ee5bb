// Package metrics holds the prometheus collectors of the checkout core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	LedgerOps        *prometheus.CounterVec // op, result
	ReservationsHeld prometheus.Gauge
	CheckoutsOpened  *prometheus.CounterVec // result
	CheckoutsClosed  *prometheus.CounterVec // status
	WebhookEvents    *prometheus.CounterVec // kind, result
	Oversells        prometheus.Counter
	Refunds          *prometheus.CounterVec // status
	SweepRuns        *prometheus.CounterVec // result
	GatewayLatency   *prometheus.HistogramVec
}

// New registers every collector on reg. Passing prometheus.NewRegistry()
// keeps tests independent of the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_ledger_operations_total",
			Help: "Inventory ledger adjustments by operation and result",
		}, []string{"op", "result"}),
		ReservationsHeld: f.NewGauge(prometheus.GaugeOpts{
			Name: "checkout_reservations_created_minus_released",
			Help: "Reservations created minus reservations released since start",
		}),
		CheckoutsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_sessions_opened_total",
			Help: "Checkout open attempts by result",
		}, []string{"result"}),
		CheckoutsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_sessions_closed_total",
			Help: "Checkout sessions leaving active, by terminal status",
		}, []string{"status"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_webhook_events_total",
			Help: "Payment events handled by kind and result",
		}, []string{"kind", "result"}),
		Oversells: f.NewCounter(prometheus.CounterOpts{
			Name: "checkout_oversells_total",
			Help: "Payments captured against a session that could not be fulfilled",
		}),
		Refunds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_refunds_total",
			Help: "Refund records by resulting status",
		}, []string{"status"}),
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_sweep_runs_total",
			Help: "Expiry sweep runs by result",
		}, []string{"result"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkout_gateway_request_seconds",
			Help:    "Payment gateway call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"call"}),
	}
}

// Nop returns collectors registered on a throwaway registry.
func Nop() *Metrics { return New(prometheus.NewRegistry()) }
