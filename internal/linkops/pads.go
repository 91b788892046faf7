package linkops

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/internal/observability"
	"github.com/signalsfoundry/grn-tapestry/internal/pads"
	"github.com/signalsfoundry/grn-tapestry/internal/reconcile"
	"github.com/signalsfoundry/grn-tapestry/model"
)

// ChangePad moves one end of linkID to newPad. A launch pad change applies
// to every link leaving the node, since a node launches from one pad. Virtual
// descendants of the model follow. It returns false, without mutating, when
// the pad is out of range, already in use or the model is virtual.
func (s *LinkSupport) ChangePad(ctx context.Context, rec Recorder, modelID, linkID string, end model.LinkEnd, newPad int) (bool, error) {
	ctx, span := s.startSpan(ctx, observability.StageChangePad,
		attribute.String("tapestry.model", modelID),
		attribute.String("tapestry.link", linkID),
		attribute.String("tapestry.end", end.String()),
		attribute.Int("tapestry.pad", newPad),
	)
	defer span.End()

	g, err := s.model(modelID)
	if err != nil {
		observability.FailStage(span, err)
		return false, err
	}
	if g.Kind == core.KindVirtual {
		return false, nil
	}
	l := g.Link(linkID)
	if l == nil {
		err := fmt.Errorf("%w: %q", core.ErrLinkNotFound, linkID)
		observability.FailStage(span, err)
		return false, err
	}

	nodeID := l.NodeAt(end)
	shape := model.ShapeFor(s.doc.NodeDef(nodeID))
	if !pads.PadInRange(shape, end, newPad) || l.PadAt(end) == newPad {
		return false, nil
	}

	var changes []core.GenomeChange
	if end == model.EndSource {
		outbound := outboundLinks(g, nodeID)
		if !pads.SourcePadIsClear(g, nodeID, newPad, shape.Shared, pads.Launches(outbound...)) {
			return false, nil
		}
		for _, id := range outbound {
			ch, err := g.ChangeLaunchPad(id, newPad)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrIllegalState, err)
			}
			rec.AddGenomeChange(ch)
			changes = append(changes, ch)
		}
		if err := s.reconciler.LaunchPadMoved(ctx, rec, modelID, nodeID, newPad); err != nil {
			s.log.Warn(ctx, "tree start not moved", logging.String("node", nodeID), logging.Err(err))
		}
	} else {
		if !pads.TargetPadIsClear(g, nodeID, newPad, shape.Shared, pads.Landings(linkID)) {
			return false, nil
		}
		ch, err := g.ChangeLandingPad(linkID, newPad)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrIllegalState, err)
		}
		rec.AddGenomeChange(ch)
		changes = append(changes, ch)
		if err := s.reconciler.LandingPadMoved(ctx, rec, modelID, linkID); err != nil {
			s.log.Warn(ctx, "drop end not moved", logging.String("link", linkID), logging.Err(err))
		}
	}

	touched := s.mirrorToVirtual(rec, modelID, changes)
	queueEvents(rec, core.UnspecifiedChange, append([]string{modelID}, touched...)...)
	s.log.Info(ctx, "pad changed",
		logging.String("model", modelID),
		logging.String("link", linkID),
		logging.String("end", end.String()),
		logging.Int("pad", newPad),
		logging.Int("links", len(changes)),
	)
	return true, nil
}

// SwapLinkPads exchanges the pads of two link ends meeting on one node.
// Two landings swap directly unless that moves a link between two named
// regions of a gene. A launch and a landing swap on a shared-namespace node
// moves the node's launch pad onto the landing pad and the landing onto the
// old launch pad; that is illegal when either link is a feedback link.
// Anything else is rejected with false.
func (s *LinkSupport) SwapLinkPads(ctx context.Context, rec Recorder, modelID, linkA string, endA model.LinkEnd, linkB string, endB model.LinkEnd) (bool, error) {
	ctx, span := s.startSpan(ctx, observability.StageSwapPads,
		attribute.String("tapestry.model", modelID),
		attribute.String("tapestry.link_a", linkA),
		attribute.String("tapestry.link_b", linkB),
	)
	defer span.End()

	g, err := s.model(modelID)
	if err != nil {
		observability.FailStage(span, err)
		return false, err
	}
	if g.Kind == core.KindVirtual {
		return false, nil
	}
	la, lb := g.Link(linkA), g.Link(linkB)
	if la == nil || lb == nil {
		err := fmt.Errorf("%w: %q or %q", core.ErrLinkNotFound, linkA, linkB)
		observability.FailStage(span, err)
		return false, err
	}

	nodeID := la.NodeAt(endA)
	if lb.NodeAt(endB) != nodeID {
		return false, nil
	}
	padA, padB := la.PadAt(endA), lb.PadAt(endB)
	if padA == padB {
		return false, nil
	}
	def := s.doc.NodeDef(nodeID)

	var changes []core.GenomeChange
	switch {
	case endA == model.EndTarget && endB == model.EndTarget:
		if linkA == linkB || pads.RegionConflict(def, padA, padB) {
			return false, nil
		}
		for _, mv := range []struct {
			id  string
			pad int
		}{{linkA, padB}, {linkB, padA}} {
			ch, err := g.ChangeLandingPad(mv.id, mv.pad)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrIllegalState, err)
			}
			rec.AddGenomeChange(ch)
			changes = append(changes, ch)
			if err := s.reconciler.LandingPadMoved(ctx, rec, modelID, mv.id); err != nil {
				s.log.Warn(ctx, "drop end not moved", logging.String("link", mv.id), logging.Err(err))
			}
		}

	case endA == model.EndSource && endB == model.EndSource:
		return false, nil

	default:
		src, dst := la, lb
		if endA == model.EndTarget {
			src, dst = lb, la
		}
		if src.IsFeedback() || dst.IsFeedback() {
			err := fmt.Errorf("%w: %q/%q on %q", ErrTwoRoleFeedbackSwap, src.ID, dst.ID, nodeID)
			observability.FailStage(span, err)
			return false, err
		}
		if !model.ShapeFor(def).Shared {
			return false, nil
		}
		launch, landing := src.LaunchPad, dst.LandingPad
		outbound := outboundLinks(g, nodeID)
		if !pads.SourcePadIsClear(g, nodeID, landing, true, pads.Skip{Launch: outbound, Landing: []string{dst.ID}}) {
			return false, nil
		}
		for _, id := range outbound {
			ch, err := g.ChangeLaunchPad(id, landing)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrIllegalState, err)
			}
			rec.AddGenomeChange(ch)
			changes = append(changes, ch)
		}
		ch, err := g.ChangeLandingPad(dst.ID, launch)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrIllegalState, err)
		}
		rec.AddGenomeChange(ch)
		changes = append(changes, ch)
		if err := s.reconciler.LaunchPadMoved(ctx, rec, modelID, nodeID, landing); err != nil {
			s.log.Warn(ctx, "tree start not moved", logging.String("node", nodeID), logging.Err(err))
		}
		if err := s.reconciler.LandingPadMoved(ctx, rec, modelID, dst.ID); err != nil {
			s.log.Warn(ctx, "drop end not moved", logging.String("link", dst.ID), logging.Err(err))
		}
	}

	touched := s.mirrorToVirtual(rec, modelID, changes)
	queueEvents(rec, core.UnspecifiedChange, append([]string{modelID}, touched...)...)
	s.log.Info(ctx, "pads swapped",
		logging.String("model", modelID),
		logging.String("node", nodeID),
		logging.Int("links", len(changes)),
	)
	return true, nil
}

// RelocateSegment re-parents a segment, or a drop named by its link ID,
// within one tree. It returns false for unknown items and moves that would
// loop the tree.
func (s *LinkSupport) RelocateSegment(ctx context.Context, rec Recorder, modelID, treeID, item, newParent string) (bool, error) {
	ctx, span := s.startSpan(ctx, observability.StageRelocate,
		attribute.String("tapestry.model", modelID),
		attribute.String("tapestry.tree", treeID),
		attribute.String("tapestry.item", item),
		attribute.String("tapestry.parent", newParent),
	)
	defer span.End()

	g, err := s.model(modelID)
	if err != nil {
		observability.FailStage(span, err)
		return false, err
	}
	if g.Kind == core.KindVirtual {
		return false, nil
	}
	lo := s.doc.LayoutFor(modelID)
	if lo == nil {
		err := fmt.Errorf("%w: %q", reconcile.ErrNoLayout, modelID)
		observability.FailStage(span, err)
		return false, err
	}

	props, err := lo.RelocateSegmentOnTree(treeID, item, newParent)
	switch {
	case errors.Is(err, core.ErrTreeCycle), errors.Is(err, core.ErrSegmentNotFound), errors.Is(err, core.ErrTreeNotFound):
		s.log.Debug(ctx, "segment relocation rejected", logging.Err(err))
		return false, nil
	case err != nil:
		observability.FailStage(span, err)
		return false, err
	}
	rec.AddPropChanges(props)
	queueEvents(rec, core.PropertyChange, modelID)
	return true, nil
}
