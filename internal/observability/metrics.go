package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RelocationCollector bundles Prometheus metrics for relocation gestures and
// the document they edit, and exposes them over HTTP.
type RelocationCollector struct {
	gatherer prometheus.Gatherer

	Relocations         *prometheus.CounterVec
	LinkInstanceChanges *prometheus.CounterVec
	UndoOperations      *prometheus.CounterVec

	DocumentModels     prometheus.Gauge
	DocumentLinks      prometheus.Gauge
	DocumentTrees      prometheus.Gauge
	DocumentCrudeDrops prometheus.Gauge
}

// NewRelocationCollector registers relocation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewRelocationCollector(reg prometheus.Registerer) (*RelocationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	relocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tapestry_relocations_total",
		Help: "Relocation gestures handled, labeled by command and outcome (accept, reject, cancelled, error).",
	}, []string{"command", "outcome"})
	relocations, err := registerCounterVec(reg, relocations, "tapestry_relocations_total")
	if err != nil {
		return nil, err
	}

	changes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tapestry_link_instance_changes_total",
		Help: "Link instances touched by node changes, labeled by kind (changed, deleted).",
	}, []string{"kind"})
	changes, err = registerCounterVec(reg, changes, "tapestry_link_instance_changes_total")
	if err != nil {
		return nil, err
	}

	undo := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tapestry_undo_operations_total",
		Help: "Undo ledger operations, labeled by direction (commit, undo, redo).",
	}, []string{"direction"})
	undo, err = registerCounterVec(reg, undo, "tapestry_undo_operations_total")
	if err != nil {
		return nil, err
	}

	models, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tapestry_document_models",
		Help: "Current number of models (root genome plus instances) in the document.",
	}), "tapestry_document_models")
	if err != nil {
		return nil, err
	}
	links, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tapestry_document_links",
		Help: "Current number of links across every model in the document.",
	}), "tapestry_document_links")
	if err != nil {
		return nil, err
	}
	trees, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tapestry_document_link_trees",
		Help: "Current number of drawn link trees across every layout.",
	}), "tapestry_document_link_trees")
	if err != nil {
		return nil, err
	}
	crude, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tapestry_document_crude_drops",
		Help: "Current number of link drops still awaiting relayout.",
	}), "tapestry_document_crude_drops")
	if err != nil {
		return nil, err
	}

	return &RelocationCollector{
		gatherer:            gatherer,
		Relocations:         relocations,
		LinkInstanceChanges: changes,
		UndoOperations:      undo,
		DocumentModels:      models,
		DocumentLinks:       links,
		DocumentTrees:       trees,
		DocumentCrudeDrops:  crude,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RelocationCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordRelocation counts one finished gesture.
func (c *RelocationCollector) RecordRelocation(command, outcome string) {
	if c == nil || c.Relocations == nil {
		return
	}
	c.Relocations.WithLabelValues(command, outcome).Inc()
}

// RecordLinkChanges counts link instances changed and deleted by one gesture.
func (c *RelocationCollector) RecordLinkChanges(changed, deleted int) {
	if c == nil || c.LinkInstanceChanges == nil {
		return
	}
	c.LinkInstanceChanges.WithLabelValues("changed").Add(float64(changed))
	c.LinkInstanceChanges.WithLabelValues("deleted").Add(float64(deleted))
}

// RecordUndo counts one ledger operation.
func (c *RelocationCollector) RecordUndo(direction string) {
	if c == nil || c.UndoOperations == nil {
		return
	}
	c.UndoOperations.WithLabelValues(direction).Inc()
}

// SetDocumentCounts drives the document gauges.
func (c *RelocationCollector) SetDocumentCounts(models, links, trees, crudeDrops int) {
	if c == nil {
		return
	}
	if c.DocumentModels != nil {
		c.DocumentModels.Set(float64(models))
	}
	if c.DocumentLinks != nil {
		c.DocumentLinks.Set(float64(links))
	}
	if c.DocumentTrees != nil {
		c.DocumentTrees.Set(float64(trees))
	}
	if c.DocumentCrudeDrops != nil {
		c.DocumentCrudeDrops.Set(float64(crudeDrops))
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
