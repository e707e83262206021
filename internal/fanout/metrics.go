package fanout

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the fan-out subsystem.
type Metrics struct {
	SubmitsTotal     *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	FanoutsTotal     *prometheus.CounterVec
	FanoutDuration   *prometheus.HistogramVec
	FanoutSize       prometheus.Histogram
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns fan-out metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loglimit_fanout_submits_total",
			Help: "Alerts handed to the fan-out queue by result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loglimit_fanout_queue_depth",
			Help: "Alerts waiting for a fan-out worker.",
		}),
		FanoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loglimit_fanouts_total",
			Help: "Completed alert fan-outs by result.",
		}, []string{"result"}),
		FanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loglimit_fanout_duration_seconds",
			Help:    "Duration of a whole alert fan-out in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"result"}),
		FanoutSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loglimit_fanout_subscribers",
			Help:    "Subscribers per alert.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 .. 128
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loglimit_deliveries_total",
			Help: "Per-subscriber delivery attempts by channel kind and outcome.",
		}, []string{"kind", "outcome"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loglimit_delivery_duration_seconds",
			Help:    "Claim plus dispatch duration per subscriber in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.QueueDepth,
		m.FanoutsTotal,
		m.FanoutDuration,
		m.FanoutSize,
		m.DeliveriesTotal,
		m.DeliveryDuration,
	)

	return m
}

// Hooks returns Coordinator hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnDelivery: func(kind, outcome string, duration float64) {
			m.DeliveriesTotal.WithLabelValues(kind, outcome).Inc()
			m.DeliveryDuration.WithLabelValues(kind).Observe(duration)
		},
		OnFanout: func(result string, subscribers int, duration float64) {
			m.FanoutsTotal.WithLabelValues(result).Inc()
			m.FanoutDuration.WithLabelValues(result).Observe(duration)
			if result != ResultLookupError {
				m.FanoutSize.Observe(float64(subscribers))
			}
		},
	}
}

// ServiceHooks returns Service hooks that update the corresponding metrics.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnQueueDepth: func(depth int) {
			m.QueueDepth.Set(float64(depth))
		},
	}
}
