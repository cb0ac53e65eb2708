// Package metrics records relay engine activity in Prometheus collectors.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bjaus/relay"
)

// Outcome label values besides error kind names.
const (
	OutcomeSuccess = "success"
)

// Collector holds the engine collectors. Install it on an engine with
// relay.New(c.Options()...).
type Collector struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	notFound prometheus.Counter
	slow     *prometheus.CounterVec
}

// New registers the engine collectors on reg. If reg is nil, the default
// registerer is used. Collectors that are already registered are reused.
func New(cfg Config, reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cfg.SetDefaults()

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "calls_total",
		Help:      "Total number of dispatched calls by pattern and outcome",
	}, []string{"pattern", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Name:      "call_duration_seconds",
		Help:      "Time from dispatch to completion of a call",
		Buckets:   cfg.Buckets,
	}, []string{"pattern", "outcome"})
	notFound := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "not_found_total",
		Help:      "Total number of calls that matched no route",
	})
	slow := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "slow_calls_total",
		Help:      "Total number of calls that exceeded their slow threshold",
	}, []string{"pattern"})

	var err error
	if calls, err = register(reg, calls); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if notFound, err = register(reg, notFound); err != nil {
		return nil, err
	}
	if slow, err = register(reg, slow); err != nil {
		return nil, err
	}
	return &Collector{calls: calls, duration: duration, notFound: notFound, slow: slow}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Options returns the engine hooks that feed the collectors.
func (c *Collector) Options() []relay.Option {
	return []relay.Option{
		relay.WithOnSuccess(c.onSuccess),
		relay.WithOnFailure(c.onFailure),
		relay.WithOnNotFound(c.onNotFound),
		relay.WithOnSlow(c.onSlow),
	}
}

func (c *Collector) onSuccess(_ context.Context, h *relay.Headers, d time.Duration) {
	c.observe(h.Pattern, OutcomeSuccess, d)
}

func (c *Collector) onFailure(_ context.Context, h *relay.Headers, err error, d time.Duration) {
	c.observe(h.Pattern, relay.KindOf(err).String(), d)
}

func (c *Collector) onNotFound(context.Context, relay.Message) {
	c.notFound.Inc()
}

func (c *Collector) onSlow(_ context.Context, h *relay.Headers, _ time.Duration) {
	c.slow.WithLabelValues(h.Pattern).Inc()
}

func (c *Collector) observe(pattern, outcome string, d time.Duration) {
	c.calls.WithLabelValues(pattern, outcome).Inc()
	c.duration.WithLabelValues(pattern, outcome).Observe(d.Seconds())
}
