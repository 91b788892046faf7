// Package linkops is the command layer for link relocation. Each operation
// validates its input, mutates every affected model through the propagation
// and reconcile packages, and records undoable edits on the caller's
// transaction. Rejected input leaves the document untouched and reports
// false rather than an error.
package linkops

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/internal/observability"
	"github.com/signalsfoundry/grn-tapestry/internal/propagate"
	"github.com/signalsfoundry/grn-tapestry/internal/reconcile"
	"github.com/signalsfoundry/grn-tapestry/kb"
)

var (
	// ErrIllegalState reports a document or request that contradicts an
	// invariant the command relies on.
	ErrIllegalState = errors.New("illegal link state")
	// ErrTwoRoleFeedbackSwap reports a launch/landing swap on a link that
	// starts and ends on the swapped node.
	ErrTwoRoleFeedbackSwap = fmt.Errorf("%w: two-role pad swap on a feedback link", ErrIllegalState)
	ErrUnknownModel        = errors.New("unknown model")
)

// Recorder is the undoable transaction commands write to.
type Recorder = propagate.Recorder

// LinkSupport runs relocation commands against one document.
type LinkSupport struct {
	doc        *kb.Source
	propagator *propagate.Propagator
	reconciler *reconcile.Reconciler
	metrics    *observability.RelocationCollector
	log        logging.Logger
	tracer     trace.Tracer
}

// Option configures a LinkSupport.
type Option func(*LinkSupport)

func WithLogger(log logging.Logger) Option {
	return func(s *LinkSupport) {
		if log != nil {
			s.log = log
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *LinkSupport) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithMetrics(m *observability.RelocationCollector) Option {
	return func(s *LinkSupport) { s.metrics = m }
}

// New constructs a LinkSupport over doc.
func New(doc *kb.Source, opts ...Option) *LinkSupport {
	s := &LinkSupport{
		doc:    doc,
		log:    logging.Noop(),
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.propagator = propagate.New(doc, propagate.WithLogger(s.log), propagate.WithTracer(s.tracer))
	s.reconciler = reconcile.New(doc, reconcile.WithLogger(s.log), reconcile.WithTracer(s.tracer))
	return s
}

// Document returns the document the commands act on.
func (s *LinkSupport) Document() *kb.Source { return s.doc }

func (s *LinkSupport) startSpan(ctx context.Context, stage observability.Stage, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return observability.StartStage(ctx, s.tracer, stage, attrs...)
}

func (s *LinkSupport) model(modelID string) (*core.Genome, error) {
	g := s.doc.Model(modelID)
	if g == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return g, nil
}

// mirrorToVirtual copies the pads of changed links into every virtual
// descendant of modelID that holds the same link.
func (s *LinkSupport) mirrorToVirtual(rec Recorder, modelID string, changes []core.GenomeChange) []string {
	var touched []string
	for _, child := range s.doc.VirtualDescendants(modelID) {
		changed := false
		for _, ch := range changes {
			if ch.After == nil {
				continue
			}
			l := child.Link(ch.LinkID)
			if l == nil {
				continue
			}
			if l.LaunchPad != ch.After.LaunchPad {
				if c, err := child.ChangeLaunchPad(l.ID, ch.After.LaunchPad); err == nil {
					rec.AddGenomeChange(c)
					changed = true
				}
			}
			if l.LandingPad != ch.After.LandingPad {
				if c, err := child.ChangeLandingPad(l.ID, ch.After.LandingPad); err == nil {
					rec.AddGenomeChange(c)
					changed = true
				}
			}
		}
		if changed {
			touched = append(touched, child.ID)
		}
	}
	return touched
}

func outboundLinks(g *core.Genome, nodeID string) []string {
	var out []string
	for _, l := range g.LinksForNode(nodeID) {
		if l.Source == nodeID {
			out = append(out, l.ID)
		}
	}
	return out
}

func queueEvents(rec Recorder, kind core.ChangeKind, modelIDs ...string) {
	for _, id := range modelIDs {
		rec.AddEvent(core.ModelChangeEvent{ModelID: id, Kind: kind})
	}
}
