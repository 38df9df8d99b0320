package warpgate

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "warpgate"

// Metrics holds the Prometheus collectors for an endpoint. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	notificationsReceived  *prometheus.CounterVec
	notificationsDelivered *prometheus.CounterVec
	notificationsDropped   *prometheus.CounterVec
	reconnects             *prometheus.CounterVec
	connectFailures        *prometheus.CounterVec
	ready                  *prometheus.GaugeVec
	sessionsConnected      *prometheus.GaugeVec
	channelsListened       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with registerer. It
// returns nil when registerer is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return nil
	}

	labels := []string{"endpoint"}
	m := &Metrics{
		notificationsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_received_total",
			Help:      "Notifications received from the database",
		}, labels),
		notificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_delivered_total",
			Help:      "Notifications handed to session sinks",
		}, labels),
		notificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a session outbox was full",
		}, labels),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Successful upstream connections",
		}, labels),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connect_failures_total",
			Help:      "Failed attempts to acquire an upstream connection",
		}, labels),
		ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ready",
			Help:      "1 when the endpoint is connected with every channel listened",
		}, labels),
		sessionsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_connected",
			Help:      "Sessions currently attached to the endpoint",
		}, labels),
		channelsListened: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "channels_listened",
			Help:      "Channels with at least one subscriber",
		}, labels),
	}

	registerer.MustRegister(
		m.notificationsReceived,
		m.notificationsDelivered,
		m.notificationsDropped,
		m.reconnects,
		m.connectFailures,
		m.ready,
		m.sessionsConnected,
		m.channelsListened,
	)
	return m
}

// endpointMetrics binds Metrics to one endpoint label.
type endpointMetrics struct {
	m    *Metrics
	name string
}

func (e endpointMetrics) received() {
	if e.m != nil {
		e.m.notificationsReceived.WithLabelValues(e.name).Inc()
	}
}

func (e endpointMetrics) delivered() {
	if e.m != nil {
		e.m.notificationsDelivered.WithLabelValues(e.name).Inc()
	}
}

func (e endpointMetrics) dropped() {
	if e.m != nil {
		e.m.notificationsDropped.WithLabelValues(e.name).Inc()
	}
}

func (e endpointMetrics) reconnected() {
	if e.m != nil {
		e.m.reconnects.WithLabelValues(e.name).Inc()
	}
}

func (e endpointMetrics) connectFailed() {
	if e.m != nil {
		e.m.connectFailures.WithLabelValues(e.name).Inc()
	}
}

func (e endpointMetrics) setReady(ready bool) {
	if e.m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	e.m.ready.WithLabelValues(e.name).Set(v)
}

func (e endpointMetrics) setSessions(n int) {
	if e.m != nil {
		e.m.sessionsConnected.WithLabelValues(e.name).Set(float64(n))
	}
}

func (e endpointMetrics) setChannels(n int) {
	if e.m != nil {
		e.m.channelsListened.WithLabelValues(e.name).Set(float64(n))
	}
}
