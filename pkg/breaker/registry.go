// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettingsFunc resolves the settings for a named breaker. The registry calls
// it once per name, on first use.
type SettingsFunc func(name string) Settings

// Registry holds one breaker per named dependency. It is per-process state:
// two workers never share breaker state, each converges on the dependency's
// health independently.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	settings SettingsFunc
	metrics  *registryMetrics
}

// NewRegistry creates a registry resolving settings through fn.
// The prometheus registerer may be nil to disable metrics (tests).
func NewRegistry(fn SettingsFunc, reg prometheus.Registerer) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: fn,
		metrics:  newRegistryMetrics(reg),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.settings(name))
	b.metrics = r.metrics.forBreaker(name)
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every breaker, for health reporting.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.GetSnapshot())
	}
	return out
}

// registryMetrics holds the prometheus collectors shared by all breakers.
type registryMetrics struct {
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	rejects  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	state    *prometheus.GaugeVec
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	m := &registryMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfold_breaker_requests_total",
			Help: "Calls attempted through a circuit breaker.",
		}, []string{"breaker"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfold_breaker_failures_total",
			Help: "Calls that failed or timed out.",
		}, []string{"breaker"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfold_breaker_rejected_total",
			Help: "Calls rejected without touching the dependency.",
		}, []string{"breaker"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyfold_breaker_call_duration_seconds",
			Help:    "Latency of calls made through a circuit breaker.",
			Buckets: prometheus.DefBuckets,
		}, []string{"breaker"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyfold_breaker_state",
			Help: "Breaker state: 0=closed, 1=half_open, 2=open.",
		}, []string{"breaker"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.failures, m.rejects, m.latency, m.state)
	}
	return m
}

func (rm *registryMetrics) forBreaker(name string) *metrics {
	if rm == nil {
		return nil
	}
	return &metrics{
		requests: rm.requests.WithLabelValues(name),
		failures: rm.failures.WithLabelValues(name),
		rejects:  rm.rejects.WithLabelValues(name),
		latency:  rm.latency.WithLabelValues(name),
		state:    rm.state.WithLabelValues(name),
	}
}

// metrics is the per-breaker view of the registry collectors. A nil receiver
// is valid and records nothing, so breakers work without a registry.
type metrics struct {
	requests prometheus.Counter
	failures prometheus.Counter
	rejects  prometheus.Counter
	latency  prometheus.Observer
	state    prometheus.Gauge
}

func (m *metrics) observe(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.requests.Inc()
	m.latency.Observe(d.Seconds())
	if err != nil {
		m.failures.Inc()
	}
}

func (m *metrics) rejected() {
	if m == nil {
		return
	}
	m.rejects.Inc()
}

func (m *metrics) setState(s State) {
	if m == nil {
		return
	}
	switch s {
	case StateClosed:
		m.state.Set(0)
	case StateHalfOpen:
		m.state.Set(1)
	case StateOpen:
		m.state.Set(2)
	}
}
