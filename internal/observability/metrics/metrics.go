// Package metrics turns bot events into Prometheus series.
//
// Components never touch the collectors directly. They publish on the
// eventbus and Run folds the events into counters.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ratebot/internal/eventbus"
)

const namespace = "ratebot"

type Metrics struct {
	reg *prometheus.Registry

	SubscribersAdded   prometheus.Counter
	SubscribersRemoved *prometheus.CounterVec
	Subscribers        prometheus.Gauge

	Deliveries        *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	BroadcastDuration prometheus.Histogram

	Notifications   *prometheus.CounterVec
	PersistFailures prometheus.Counter
	EventsSeen      prometheus.Counter
}

// New registers every series on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		SubscribersAdded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_added_total",
			Help:      "Chats added to the subscriber registry",
		}),
		SubscribersRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_removed_total",
			Help:      "Chats removed from the subscriber registry",
		}, []string{"reason"}), // "blocked" or "manual"
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Current number of subscribed chats",
		}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Per-recipient broadcast outcomes",
		}, []string{"outcome", "mode"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast requests by result",
		}, []string{"result"}),
		BroadcastDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Wall time of a broadcast from snapshot to summary",
			Buckets:   []float64{.01, .1, .5, 1, 5, 15, 60, 300, 900},
		}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_notifications_total",
			Help:      "Operator notifications by status",
		}, []string{"status"}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_persist_failures_total",
			Help:      "Registry flushes that exhausted their retries",
		}),
		EventsSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events consumed from the internal bus",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SetSubscribers seeds the gauge, typically right after the registry loads.
func (m *Metrics) SetSubscribers(n int) { m.Subscribers.Set(float64(n)) }

// Observe folds a single event into the series. Unknown events are counted
// and otherwise ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	m.EventsSeen.Inc()
	switch e.Type {
	case eventbus.SubscriberAdded:
		m.SubscribersAdded.Inc()
		if p, ok := e.Data.(eventbus.SubscriberEvent); ok {
			m.Subscribers.Set(float64(p.Total))
		}
	case eventbus.SubscriberRemoved:
		reason := "manual"
		if p, ok := e.Data.(eventbus.SubscriberEvent); ok {
			if p.Reason != "" {
				reason = p.Reason
			}
			m.Subscribers.Set(float64(p.Total))
		}
		m.SubscribersRemoved.WithLabelValues(reason).Inc()
	case eventbus.DeliveryOutcome:
		if p, ok := e.Data.(eventbus.DeliveryEvent); ok {
			m.Deliveries.WithLabelValues(p.Outcome, p.Mode).Inc()
		}
	case eventbus.BroadcastFinished:
		if p, ok := e.Data.(eventbus.BroadcastEvent); ok {
			m.Broadcasts.WithLabelValues(p.Result).Inc()
			m.BroadcastDuration.Observe(p.Took.Seconds())
		}
	case eventbus.NotifySent:
		m.Notifications.WithLabelValues("sent").Inc()
	case eventbus.NotifyFailed:
		m.Notifications.WithLabelValues("failed").Inc()
	case eventbus.StorePersistFail:
		m.PersistFailures.Inc()
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
