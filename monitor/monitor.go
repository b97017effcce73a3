// Package monitor is the interceptor handler: it classifies each
// observation, applies suppression rules, formats the record and publishes
// it to the event channel.
package monitor

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jnesss/connwatch/channel"
	"github.com/jnesss/connwatch/network"
)

// Matcher decides whether a reportable observation is suppressed
type Matcher interface {
	Match(ctx context.Context, obs network.Observation) (string, bool)
}

// NameResolver looks up a process name by pid
type NameResolver interface {
	Lookup(pid uint32) string
}

// Options configure a Monitor. Zero values are valid.
type Options struct {
	// RecordCapacity bounds each formatted record, network.DefaultRecordCapacity if zero
	RecordCapacity int
	Rules          Matcher
	Names          NameResolver
	Registerer     prometheus.Registerer
	Logger         *zap.Logger
}

// Stats is a snapshot of pipeline and channel counters
type Stats struct {
	Observed   uint64 `json:"observed"`
	Filtered   uint64 `json:"filtered"`
	Suppressed uint64 `json:"suppressed"`
	Published  uint64 `json:"published"`
	Dropped    uint64 `json:"dropped"`
	Delivered  uint64 `json:"delivered"`
}

// Monitor turns observations into channel records
type Monitor struct {
	ch       channel.Channel
	capacity int
	rules    Matcher
	names    NameResolver
	logger   *zap.Logger
	metrics  *Metrics

	observed   atomic.Uint64
	filtered   atomic.Uint64
	suppressed atomic.Uint64
	published  atomic.Uint64
}

// New creates a monitor publishing to ch
func New(ch channel.Channel, opts Options) (*Monitor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := opts.RecordCapacity
	if capacity == 0 {
		capacity = network.DefaultRecordCapacity
	}
	metrics, err := NewMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		ch:       ch,
		capacity: capacity,
		rules:    opts.Rules,
		names:    opts.Names,
		logger:   logger.Named("monitor"),
		metrics:  metrics,
	}, nil
}

// Observe handles one intercepted connect call. It never blocks on the
// consumer and is safe for concurrent use.
func (m *Monitor) Observe(obs network.Observation) {
	m.observed.Add(1)
	m.metrics.Observations.WithLabelValues(obs.Kind.String()).Inc()

	if class := network.Classify(obs.Addr); class != network.ClassPublic {
		m.filtered.Add(1)
		m.metrics.Filtered.WithLabelValues(class.String()).Inc()
		return
	}

	if obs.Comm == "" && m.names != nil {
		obs.Comm = m.names.Lookup(obs.PID)
	}

	if m.rules != nil {
		if rule, ok := m.rules.Match(context.Background(), obs); ok {
			m.suppressed.Add(1)
			m.metrics.Suppressed.Inc()
			m.logger.Debug("suppressed connection",
				zap.String("rule", rule),
				zap.String("addr", obs.Addr.String()),
				zap.Uint16("port", obs.HostPort()),
				zap.String("comm", obs.Comm))
			return
		}
	}

	m.ch.Publish(network.FormatObservation(obs, m.capacity))
	m.published.Add(1)
	m.metrics.Published.Inc()
}

// SetHooksRegistered reports how many interceptors are installed
func (m *Monitor) SetHooksRegistered(n int) {
	m.metrics.HooksRegistered.Set(float64(n))
}

// Stats returns the current counters
func (m *Monitor) Stats() Stats {
	cs := m.ch.Stats()
	return Stats{
		Observed:   m.observed.Load(),
		Filtered:   m.filtered.Load(),
		Suppressed: m.suppressed.Load(),
		Published:  m.published.Load(),
		Dropped:    cs.Dropped,
		Delivered:  cs.Delivered,
	}
}
