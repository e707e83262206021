package listener

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the alert listener.
type Metrics struct {
	NotificationsTotal *prometheus.CounterVec
	Listening          prometheus.Gauge
	ReconnectsTotal    prometheus.Counter
}

// NewMetrics registers and returns listener metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loglimit_listener_notifications_total",
			Help: "Alert notifications received by result.",
		}, []string{"result"}),
		Listening: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loglimit_listener_listening",
			Help: "1 while a LISTEN session is open.",
		}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loglimit_listener_reconnects_total",
			Help: "Times the listener scheduled a reconnect.",
		}),
	}

	reg.MustRegister(m.NotificationsTotal, m.Listening, m.ReconnectsTotal)
	return m
}

// Hooks returns Listener hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnNotification: func(result string) {
			m.NotificationsTotal.WithLabelValues(result).Inc()
		},
		OnState: func(s State) {
			if s == Listening {
				m.Listening.Set(1)
			} else {
				m.Listening.Set(0)
			}
		},
		OnReconnect: func() {
			m.ReconnectsTotal.Inc()
		},
	}
}
