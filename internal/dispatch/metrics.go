package dispatch

import (
	"time"

	"notification-dispatch-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts dispatch activity. A nil *Metrics records nothing.
type Metrics struct {
	dispatches  prometheus.Counter
	sends       *prometheus.CounterVec
	deactivated prometheus.Counter
	duration    prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dispatches: f.NewCounter(prometheus.CounterOpts{
			Name: "push_dispatches_total",
			Help: "Dispatch calls that resolved their device list.",
		}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "push_sends_total",
			Help: "Per-device send outcomes.",
		}, []string{"result"}),
		deactivated: f.NewCounter(prometheus.CounterOpts{
			Name: "push_devices_deactivated_total",
			Help: "Devices deactivated after a permanent delivery failure.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "push_dispatch_duration_seconds",
			Help:    "Wall time of dispatch calls including every send.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observeDispatch(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeSend(o models.Outcome) {
	if m == nil {
		return
	}
	result := "sent"
	if !o.Success {
		result = string(o.ErrorKind)
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) deviceDeactivated() {
	if m == nil {
		return
	}
	m.deactivated.Inc()
}
