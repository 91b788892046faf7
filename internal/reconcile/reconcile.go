// Package reconcile repairs the drawn link trees after a node or pad change.
// Prepare captures where the moving links leave their trees before anything
// is mutated; Reconcile then breaks those pieces off onto the new source's
// tree, or, when no local repair fits, redraws the links as crude drops and
// asks for a background relayout.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/ambiguity"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/internal/observability"
	"github.com/signalsfoundry/grn-tapestry/internal/pads"
	"github.com/signalsfoundry/grn-tapestry/internal/propagate"
	"github.com/signalsfoundry/grn-tapestry/kb"
	"github.com/signalsfoundry/grn-tapestry/model"
)

var (
	ErrNoLayout       = errors.New("model has no layout")
	ErrLinksNotDrawn  = errors.New("links are not drawn")
	ErrNotOneTree     = errors.New("links are drawn by more than one tree")
	ErrSegmentUnknown = errors.New("segment is not on the links' path")
)

// GlobalLinkRequest asks the relayout pass to route the listed links of one
// model.
type GlobalLinkRequest struct {
	ModelID  string
	BadLinks []string
}

// Attachment is where one model's copies of the moving links leave their
// tree. An empty SegID means the whole paths move.
type Attachment struct {
	ModelID string
	TreeID  string
	SegID   string
	LinkIDs []string
}

// Prepared is the pre-mutation capture of a node change.
type Prepared struct {
	LinkIDs    []string
	End        model.LinkEnd
	ThroughSeg string
	SegStart   core.Point
	SegEnd     core.Point
	Midpoint   core.Point

	// Attachments holds one entry per model owning a layout that draws the
	// moving links.
	Attachments map[string]Attachment
}

// Report lists what Reconcile did.
type Report struct {
	BrokenOff map[string][]string
	Redrawn   map[string][]string
	Moved     map[string][]string
	Requests  []GlobalLinkRequest
}

func newReport() *Report {
	return &Report{
		BrokenOff: make(map[string][]string),
		Redrawn:   make(map[string][]string),
		Moved:     make(map[string][]string),
	}
}

// BadLinkCount counts the links handed to relayout.
func (r *Report) BadLinkCount() int {
	n := 0
	for _, req := range r.Requests {
		n += len(req.BadLinks)
	}
	return n
}

// Reconciler repairs layouts of one document.
type Reconciler struct {
	doc    *kb.Source
	tol    float64
	log    logging.Logger
	tracer trace.Tracer
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithLogger(log logging.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Reconciler) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithTolerance sets the distance used to match inherited segments.
func WithTolerance(tol float64) Option {
	return func(r *Reconciler) {
		if tol > 0 {
			r.tol = tol
		}
	}
}

// New constructs a Reconciler.
func New(doc *kb.Source, opts ...Option) *Reconciler {
	r := &Reconciler{
		doc:    doc,
		tol:    core.DefaultTolerance,
		log:    logging.Noop(),
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prepare captures the break point of linkIDs (root IDs) in the root layout
// and finds the matching segment in every top-level instance layout.
// throughSeg names the root segment the gesture grabbed, or is empty when the
// gesture grabbed the links' drops.
func (r *Reconciler) Prepare(linkIDs []string, end model.LinkEnd, throughSeg string) (*Prepared, error) {
	prep := &Prepared{
		LinkIDs:     append([]string(nil), linkIDs...),
		End:         end,
		ThroughSeg:  throughSeg,
		Attachments: make(map[string]Attachment),
	}
	if end != model.EndSource {
		return prep, nil
	}

	rootLayout := r.doc.LayoutFor(r.doc.Root().ID)
	if rootLayout == nil {
		return prep, nil
	}
	att, err := rootAttachment(rootLayout, linkIDs, throughSeg)
	if err != nil {
		return nil, err
	}
	if att.TreeID == "" {
		return prep, nil
	}
	att.ModelID = r.doc.Root().ID
	prep.Attachments[att.ModelID] = att

	if throughSeg != "" {
		tree := rootLayout.Tree(att.TreeID)
		seg := tree.Segments[throughSeg]
		prep.SegStart, prep.SegEnd = seg.Start, seg.End
		prep.Midpoint = core.Midpoint(seg.Start, seg.End)
	}

	for _, g := range r.doc.TopLevelInstances() {
		lo := r.doc.LayoutFor(g.ID)
		if lo == nil {
			continue
		}
		var drawn []string
		for _, id := range ambiguity.Affected(g, linkIDs) {
			if lo.HasLink(id) {
				drawn = append(drawn, id)
			}
		}
		if len(drawn) == 0 {
			continue
		}
		ia := Attachment{ModelID: g.ID, LinkIDs: drawn}
		if throughSeg != "" {
			treeID, segID, ok := lo.FindInheritedMatchingLinkSegment(drawn, prep.SegStart, prep.SegEnd, r.tol)
			if !ok {
				continue
			}
			ia.TreeID, ia.SegID = treeID, segID
		} else {
			ia.TreeID = lo.LinkProperties(drawn[0]).ID
		}
		prep.Attachments[g.ID] = ia
	}
	return prep, nil
}

func rootAttachment(lo *core.Layout, linkIDs []string, throughSeg string) (Attachment, error) {
	var att Attachment
	for _, id := range linkIDs {
		bp := lo.LinkProperties(id)
		if bp == nil {
			continue
		}
		if att.TreeID != "" && att.TreeID != bp.ID {
			return Attachment{}, fmt.Errorf("%w: %v", ErrNotOneTree, linkIDs)
		}
		att.TreeID = bp.ID
		att.LinkIDs = append(att.LinkIDs, id)
	}
	if throughSeg == "" {
		return att, nil
	}
	if att.TreeID == "" {
		return Attachment{}, fmt.Errorf("%w: %v", ErrLinksNotDrawn, linkIDs)
	}
	for _, id := range att.LinkIDs {
		found := false
		for _, s := range lo.PathSegments(id) {
			if s == throughSeg {
				found = true
				break
			}
		}
		if !found {
			return Attachment{}, fmt.Errorf("%w: %q for %q", ErrSegmentUnknown, throughSeg, id)
		}
	}
	att.SegID = throughSeg
	return att, nil
}

// Reconcile repairs every layout touched by a propagation. Failures to
// repair locally fall back to crude redraws; the returned requests list the
// links waiting for relayout.
func (r *Reconciler) Reconcile(ctx context.Context, rec propagate.Recorder, prep *Prepared, res *propagate.Result) *Report {
	ctx, span := observability.StartStage(ctx, r.tracer, observability.StageReconcile,
		observability.AttrEnd.String(prep.End.String()),
		attribute.Int("tapestry.models", len(res.ChangedModels)),
	)
	defer span.End()

	report := newReport()
	redo := make(map[string][]string)

	for _, modelID := range res.ChangedModels {
		g := r.doc.Model(modelID)
		if g == nil || g.Kind == core.KindVirtual {
			continue
		}
		lo := r.doc.LayoutFor(modelID)
		if lo == nil {
			continue
		}

		r.moveForcedLandings(ctx, rec, g, res.Forced[modelID], report)

		changed := res.Changed[modelID]
		if len(changed) == 0 {
			continue
		}
		if prep.End == model.EndSource {
			redo[modelID] = append(redo[modelID], r.breakOff(ctx, rec, lo, prep, res, modelID, changed, report)...)
		} else {
			redo[modelID] = append(redo[modelID], r.moveTargets(ctx, rec, lo, g, changed, report)...)
		}
	}

	for _, modelID := range sortedModelKeys(redo) {
		bad := r.redraw(ctx, rec, modelID, redo[modelID], report)
		if len(bad) > 0 {
			report.Requests = append(report.Requests, GlobalLinkRequest{ModelID: modelID, BadLinks: bad})
		}
	}

	span.SetAttributes(observability.AttrBadLinks.Int(report.BadLinkCount()))
	r.log.Debug(ctx, "layouts reconciled",
		logging.Int("requests", len(report.Requests)),
		logging.Int("bad_links", report.BadLinkCount()),
	)
	return report
}

// breakOff moves the surviving links of one model onto their new source's
// tree. It returns the links that need a redraw instead.
func (r *Reconciler) breakOff(ctx context.Context, rec propagate.Recorder, lo *core.Layout, prep *Prepared, res *propagate.Result, modelID string, changed []string, report *Report) []string {
	sources := make(map[string]bool)
	for _, id := range changed {
		sources[res.NewEnds[modelID][id].Node] = true
	}
	if len(sources) != 1 {
		return changed
	}
	att, ok := prep.Attachments[modelID]
	if !ok {
		return changed
	}

	var drawn, undrawn []string
	for _, id := range changed {
		bp := lo.LinkProperties(id)
		if bp == nil || bp.ID != att.TreeID {
			undrawn = append(undrawn, id)
			continue
		}
		drawn = append(drawn, id)
	}
	if len(drawn) == 0 {
		return changed
	}

	newSource := res.NewEnds[modelID][drawn[0]].Node
	newPad := res.NewEnds[modelID][drawn[0]].Pad
	origin, ok := lo.PadPoint(newSource, newPad, model.EndSource)
	if !ok {
		return changed
	}

	seg := att.SegID
	if seg == "" && prep.ThroughSeg == "" && len(drawn) == 1 && len(lo.PathSegments(drawn[0])) == 0 {
		split, props, err := lo.SplitDirectLinkInHalf(drawn[0])
		if err == nil {
			rec.AddPropChanges(props)
			seg = split
		}
	}

	props, err := lo.SupportLinkSourceBreakoff(att.TreeID, seg, drawn, newSource, origin)
	if err != nil {
		r.log.Warn(ctx, "breakoff failed, redrawing",
			logging.String("model", modelID),
			logging.String("tree", att.TreeID),
			logging.Err(err),
		)
		return changed
	}
	rec.AddPropChanges(props)
	report.BrokenOff[modelID] = append(report.BrokenOff[modelID], drawn...)
	return undrawn
}

// moveTargets re-anchors drops on their new landing pads. Drops that had a
// routed path, or whose new target is not placed, come back for a redraw.
func (r *Reconciler) moveTargets(ctx context.Context, rec propagate.Recorder, lo *core.Layout, g *core.Genome, changed []string, report *Report) []string {
	var redo []string
	for _, id := range changed {
		l := g.Link(id)
		if l == nil {
			continue
		}
		bp := lo.LinkProperties(id)
		if bp == nil {
			redo = append(redo, id)
			continue
		}
		end, ok := lo.PadPoint(l.Target, l.LandingPad, model.EndTarget)
		if !ok {
			redo = append(redo, id)
			continue
		}
		props, err := lo.MoveDropEnd(id, end)
		if err != nil {
			r.log.Warn(ctx, "drop move failed", logging.String("link", id), logging.Err(err))
			redo = append(redo, id)
			continue
		}
		rec.AddPropChanges(props)
		report.Moved[g.ID] = append(report.Moved[g.ID], id)
		if len(bp.Drops[id].Waypoints) > 0 {
			redo = append(redo, id)
		}
	}
	return redo
}

func (r *Reconciler) moveForcedLandings(ctx context.Context, rec propagate.Recorder, g *core.Genome, moves []pads.LandingMove, report *Report) {
	for _, mv := range moves {
		if err := r.LandingPadMoved(ctx, rec, g.ID, mv.LinkID); err != nil {
			continue
		}
		report.Moved[g.ID] = append(report.Moved[g.ID], mv.LinkID)
	}
}

// redraw replaces the drawn properties of links with crude direct drops,
// keeping their color and style. It returns the links now awaiting relayout.
func (r *Reconciler) redraw(ctx context.Context, rec propagate.Recorder, modelID string, linkIDs []string, report *Report) []string {
	g := r.doc.Model(modelID)
	lo := r.doc.LayoutFor(modelID)
	ids := uniqueSorted(linkIDs)
	remembered := lo.BuildRememberProps(ids)

	var bad []string
	for _, id := range ids {
		l := g.Link(id)
		if l == nil {
			continue
		}
		if lo.HasLink(id) {
			props, err := lo.RemoveLinkProperties(id)
			if err != nil {
				continue
			}
			rec.AddPropChanges(props)
		}
		origin, okS := lo.PadPoint(l.Source, l.LaunchPad, model.EndSource)
		end, okT := lo.PadPoint(l.Target, l.LandingPad, model.EndTarget)
		if !okS || !okT {
			r.log.Warn(ctx, "link endpoints not placed, left undrawn",
				logging.String("model", modelID),
				logging.String("link", id),
			)
			continue
		}
		props, err := lo.AddCrudeLink(id, l.Source, origin, end, remembered[id])
		if err != nil {
			r.log.Warn(ctx, "crude redraw failed", logging.String("link", id), logging.Err(err))
			continue
		}
		rec.AddPropChanges(props)
		bad = append(bad, id)
	}
	report.Redrawn[modelID] = append(report.Redrawn[modelID], bad...)
	return bad
}

// LaunchPadMoved moves the origin of the tree drawn from sourceID to its
// current launch pad point.
func (r *Reconciler) LaunchPadMoved(ctx context.Context, rec propagate.Recorder, modelID, sourceID string, pad int) error {
	lo := r.doc.LayoutFor(modelID)
	if lo == nil {
		return fmt.Errorf("%w: %q", ErrNoLayout, modelID)
	}
	if lo.Tree(sourceID) == nil {
		return nil
	}
	p, ok := lo.PadPoint(sourceID, pad, model.EndSource)
	if !ok {
		return nil
	}
	props, err := lo.MoveTreeStart(sourceID, p)
	if err != nil {
		return err
	}
	rec.AddPropChanges(props)
	return nil
}

// LandingPadMoved moves the drop end of linkID to its current landing pad
// point.
func (r *Reconciler) LandingPadMoved(ctx context.Context, rec propagate.Recorder, modelID, linkID string) error {
	g := r.doc.Model(modelID)
	lo := r.doc.LayoutFor(modelID)
	if g == nil || lo == nil {
		return fmt.Errorf("%w: %q", ErrNoLayout, modelID)
	}
	l := g.Link(linkID)
	if l == nil || !lo.HasLink(linkID) {
		return nil
	}
	p, ok := lo.PadPoint(l.Target, l.LandingPad, model.EndTarget)
	if !ok {
		return nil
	}
	props, err := lo.MoveDropEnd(linkID, p)
	if err != nil {
		return err
	}
	rec.AddPropChanges(props)
	return nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sortedModelKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if len(v) > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
