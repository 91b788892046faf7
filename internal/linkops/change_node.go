package linkops

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/grn-tapestry/internal/ambiguity"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/internal/observability"
	"github.com/signalsfoundry/grn-tapestry/internal/propagate"
	"github.com/signalsfoundry/grn-tapestry/internal/reconcile"
	"github.com/signalsfoundry/grn-tapestry/model"
)

// ChangeNodeRequest moves one end of a set of root links onto another node.
type ChangeNodeRequest struct {
	LinkIDs      []string
	NewNodeID    string
	End          model.LinkEnd
	PreferredPad int
	// ThroughSeg is the root segment the gesture grabbed, empty for a drop.
	ThroughSeg string
	// Resolution answers an ambiguous change. Nil lets quick-kill decide.
	Resolution ambiguity.Resolution
}

// Assessment is the read-only classification of a ChangeNodeRequest.
type Assessment struct {
	Mode      ambiguity.NodeChange
	QuickKill ambiguity.QuickKillResult
}

// NeedsReview reports whether the user must resolve the change by hand.
func (a Assessment) NeedsReview() bool {
	return a.Mode == ambiguity.Ambiguous && !a.QuickKill.IsQuickKill
}

// Outcome reports an applied node change.
type Outcome struct {
	Mode        ambiguity.NodeChange
	QuickKill   bool
	Propagation *propagate.Result
	Layout      *reconcile.Report
	Requests    []reconcile.GlobalLinkRequest
}

// Assess classifies req without touching the document.
func (s *LinkSupport) Assess(req ChangeNodeRequest) Assessment {
	a := Assessment{Mode: ambiguity.Classify(s.doc, req.LinkIDs, req.NewNodeID, req.End)}
	if a.Mode == ambiguity.Ambiguous {
		a.QuickKill = ambiguity.QuickKill(s.doc, req.LinkIDs, req.NewNodeID, req.End)
	}
	return a
}

// Validate returns the input error ChangeNode would return, without
// mutating anything.
func (s *LinkSupport) Validate(req ChangeNodeRequest) error {
	return s.propagator.Precheck(s.propagateRequest(req, s.Assess(req)))
}

func (s *LinkSupport) propagateRequest(req ChangeNodeRequest, a Assessment) propagate.Request {
	pr := propagate.Request{
		LinkIDs:      req.LinkIDs,
		NewNodeID:    req.NewNodeID,
		End:          req.End,
		PreferredPad: req.PreferredPad,
		Mode:         a.Mode,
		Resolution:   req.Resolution,
	}
	if pr.Mode == ambiguity.Ambiguous && pr.Resolution == nil && a.QuickKill.IsQuickKill {
		pr.Resolution = a.QuickKill.PerInstance
	}
	return pr
}

// ChangeNode applies req: it captures the layout break points, propagates
// the node change through every model, then repairs the layouts. Links that
// could not be repaired locally come back as relayout requests.
func (s *LinkSupport) ChangeNode(ctx context.Context, rec Recorder, req ChangeNodeRequest) (*Outcome, error) {
	ctx, span := s.startSpan(ctx, observability.StageChangeNode,
		observability.AttrEnd.String(req.End.String()),
		observability.AttrNewNode.String(req.NewNodeID),
		observability.AttrLinks.StringSlice(req.LinkIDs),
	)
	defer span.End()

	a := s.Assess(req)
	pr := s.propagateRequest(req, a)
	if err := s.propagator.Precheck(pr); err != nil {
		observability.FailStage(span, err)
		return nil, err
	}

	prep, err := s.reconciler.Prepare(req.LinkIDs, req.End, req.ThroughSeg)
	if err != nil {
		observability.FailStage(span, err)
		return nil, err
	}

	res, err := s.propagator.ChangeNode(ctx, rec, pr)
	if err != nil {
		observability.FailStage(span, err)
		return nil, err
	}
	report := s.reconciler.Reconcile(ctx, rec, prep, res)

	s.metrics.RecordLinkChanges(res.TotalChanged(), res.TotalDeleted())
	out := &Outcome{
		Mode:        a.Mode,
		QuickKill:   a.Mode == ambiguity.Ambiguous && req.Resolution == nil,
		Propagation: res,
		Layout:      report,
		Requests:    report.Requests,
	}
	span.SetAttributes(
		attribute.String("tapestry.mode", a.Mode.String()),
		observability.AttrBadLinks.Int(report.BadLinkCount()),
	)
	s.log.Info(ctx, "link node changed",
		logging.String("mode", a.Mode.String()),
		logging.Bool("quick_kill", out.QuickKill),
		logging.Int("changed", res.TotalChanged()),
		logging.Int("deleted", res.TotalDeleted()),
		logging.Int("relayout_links", report.BadLinkCount()),
	)
	return out, nil
}

// InstanceCopies counts the copies of linkIDs held by top-level instances.
func (s *LinkSupport) InstanceCopies(linkIDs []string) int {
	n := 0
	for _, g := range s.doc.TopLevelInstances() {
		n += len(ambiguity.Affected(g, linkIDs))
	}
	return n
}
