// observability.go: Prometheus metrics owned by a registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gosandbox"

// Call outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Metrics holds the collectors of one registry. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	pluginsLoaded prometheus.Gauge
	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	violations    *prometheus.CounterVec
	quarantines   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. When reg is
// nil a private prometheus.Registry is created.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "plugins_loaded",
			Help:      "Number of plugins currently loaded.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Sandboxed plugin calls by outcome.",
		}, []string{"plugin", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of sandboxed plugin calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "violations_total",
			Help:      "Security violations recorded by sandboxes.",
		}, []string{"plugin", "kind", "severity"}),
		quarantines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quarantines_total",
			Help:      "Plugins placed in quarantine.",
		}, []string{"plugin"}),
	}

	if reg == nil {
		private := prometheus.NewRegistry()
		reg = private
		m.gatherer = private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	if err := registerCollector(reg, &m.pluginsLoaded); err != nil {
		return nil, err
	}
	if err := registerCollector(reg, &m.calls); err != nil {
		return nil, err
	}
	if err := registerCollector(reg, &m.callDuration); err != nil {
		return nil, err
	}
	if err := registerCollector(reg, &m.violations); err != nil {
		return nil, err
	}
	if err := registerCollector(reg, &m.quarantines); err != nil {
		return nil, err
	}
	return m, nil
}

// registerCollector registers *c, reusing an identical collector that is
// already registered with reg.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				*c = existing
				return nil
			}
		}
		return NewConfigValidationError("failed to register metrics", err)
	}
	return nil
}

// Gatherer exposes the collectors for scraping. It is nil when the registerer
// passed to NewMetrics is not also a gatherer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

func (m *Metrics) observeCall(plugin, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(plugin, outcome).Inc()
	m.callDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

func (m *Metrics) observeViolation(v SecurityViolation) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(v.Plugin, v.Kind, v.Severity.String()).Inc()
}

func (m *Metrics) observeQuarantine(plugin string) {
	if m == nil {
		return
	}
	m.quarantines.WithLabelValues(plugin).Inc()
}

func (m *Metrics) setLoaded(n int) {
	if m == nil {
		return
	}
	m.pluginsLoaded.Set(float64(n))
}
