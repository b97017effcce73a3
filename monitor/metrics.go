package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "connwatch"

// Metrics are the prometheus collectors updated by the pipeline
type Metrics struct {
	Observations    *prometheus.CounterVec
	Filtered        *prometheus.CounterVec
	Suppressed      prometheus.Counter
	Published       prometheus.Counter
	HooksRegistered prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when non-nil
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_total",
			Help:      "Intercepted connect calls by kind.",
		}, []string{"kind"}),
		Filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filtered_total",
			Help:      "Connections dropped for a reserved destination, by address class.",
		}, []string{"class"}),
		Suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_total",
			Help:      "Reportable connections dropped by a suppression rule.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Records handed to the event channel.",
		}),
		HooksRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hooks_registered",
			Help:      "Interceptors currently installed.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.Observations, m.Filtered, m.Suppressed, m.Published, m.HooksRegistered} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
