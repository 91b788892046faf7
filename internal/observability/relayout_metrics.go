package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayoutCollector exposes metrics for background relayout passes.
type RelayoutCollector struct {
	gatherer prometheus.Gatherer

	Duration      prometheus.Histogram
	Links         *prometheus.CounterVec
	PendingLinks  prometheus.Gauge
	Cancellations prometheus.Counter
}

// NewRelayoutCollector registers relayout metrics against the provided registerer.
func NewRelayoutCollector(reg prometheus.Registerer) (*RelayoutCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tapestry_relayout_duration_seconds",
		Help:    "Duration of background relayout passes.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	duration, err := registerHistogram(reg, duration, "tapestry_relayout_duration_seconds")
	if err != nil {
		return nil, err
	}

	links := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tapestry_relayout_links_total",
		Help: "Links handled by relayout passes, labeled by result (routed, failed, cancelled).",
	}, []string{"result"})
	links, err = registerCounterVec(reg, links, "tapestry_relayout_links_total")
	if err != nil {
		return nil, err
	}

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tapestry_relayout_pending_links",
		Help: "Links left crude by the most recent relayout pass.",
	})
	pending, err = registerGauge(reg, pending, "tapestry_relayout_pending_links")
	if err != nil {
		return nil, err
	}

	cancellations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tapestry_relayout_cancellations_total",
		Help: "Relayout passes stopped before completion.",
	})
	cancellations, err = registerCounter(reg, cancellations, "tapestry_relayout_cancellations_total")
	if err != nil {
		return nil, err
	}

	return &RelayoutCollector{
		gatherer:      gatherer,
		Duration:      duration,
		Links:         links,
		PendingLinks:  pending,
		Cancellations: cancellations,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RelayoutCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveRelayout records one finished (or cancelled) pass.
func (c *RelayoutCollector) ObserveRelayout(d time.Duration, routed, failed, cancelled, pending int) {
	if c == nil {
		return
	}
	if c.Duration != nil {
		c.Duration.Observe(d.Seconds())
	}
	if c.Links != nil {
		c.Links.WithLabelValues("routed").Add(float64(routed))
		c.Links.WithLabelValues("failed").Add(float64(failed))
		c.Links.WithLabelValues("cancelled").Add(float64(cancelled))
	}
	if c.PendingLinks != nil {
		c.PendingLinks.Set(float64(pending))
	}
	if cancelled > 0 && c.Cancellations != nil {
		c.Cancellations.Inc()
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
