// Package metrics holds the Prometheus collectors shared by the list service
// and the workers. All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "checkout"

// Delivery outcomes.
const (
	OutcomeAcked    = "acked"
	OutcomeRejected = "rejected"
)

type Metrics struct {
	EventsPublished *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	CheckoutsTotal  prometheus.Gauge
	RevenueTotal    prometheus.Gauge
	ItemsSoldTotal  prometheus.Gauge
	CustomersTotal  prometheus.Gauge
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Checkout events handed to the exchange, by routing key and result.",
		}, []string{"routing_key", "result"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries settled by a consumer, by outcome.",
		}, []string{"consumer", "outcome"}),
		HandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent decoding and handling one delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"consumer"}),
		CheckoutsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analytics_checkouts",
			Help:      "Checkouts folded into the running aggregate.",
		}),
		RevenueTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analytics_revenue",
			Help:      "Revenue folded into the running aggregate.",
		}),
		ItemsSoldTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analytics_items_sold",
			Help:      "Item lines folded into the running aggregate.",
		}),
		CustomersTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analytics_customers",
			Help:      "Distinct user emails seen by the aggregate.",
		}),
	}
}

// ObservePublish counts one publish attempt.
func (m *Metrics) ObservePublish(routingKey string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(routingKey, result).Inc()
}

// ObserveDelivery counts one settled delivery and its handling time.
func (m *Metrics) ObserveDelivery(consumer, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(consumer, outcome).Inc()
	m.HandlerDuration.WithLabelValues(consumer).Observe(elapsed.Seconds())
}

// SetAggregate mirrors the analytics totals.
func (m *Metrics) SetAggregate(checkouts int, revenue float64, itemsSold, customers int) {
	if m == nil {
		return
	}
	m.CheckoutsTotal.Set(float64(checkouts))
	m.RevenueTotal.Set(revenue)
	m.ItemsSoldTotal.Set(float64(itemsSold))
	m.CustomersTotal.Set(float64(customers))
}
