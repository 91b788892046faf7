// Package propagate applies a source or target node change to the root
// genome and carries it down the instance hierarchy: top-level instances
// first, then their virtual children, parents before children.
package propagate

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
	"github.com/signalsfoundry/grn-tapestry/kb"
	"github.com/signalsfoundry/grn-tapestry/model"
)

var (
	ErrNoLinks            = errors.New("no links to change")
	ErrUnknownLink        = errors.New("unknown link")
	ErrUnknownNode        = errors.New("unknown node")
	ErrMixedSources       = errors.New("links do not share a source node")
	ErrNoChange           = errors.New("links already use the node")
	ErrResolutionRequired = errors.New("ambiguous change needs a resolution")
)

// AnyPad lets the propagator choose the pad on the new node.
const AnyPad = -1

// Recorder receives the undoable records of a propagation. undo.Support
// satisfies it.
type Recorder interface {
	AddGenomeChange(core.GenomeChange)
	AddPropChanges([]core.PropChange)
	AddEvent(core.ModelChangeEvent)
}

// Request describes one node change. LinkIDs and NewNodeID are root IDs.
type Request struct {
	LinkIDs      []string
	NewNodeID    string
	End          model.LinkEnd
	PreferredPad int
	Mode         ambiguity.NodeChange
	Resolution   ambiguity.Resolution
}

// End is the node and pad at one end of a link.
type End struct {
	Node string
	Pad  int
}

// Result reports what a propagation did, per model.
type Result struct {
	Changed map[string][]string
	Deleted map[string][]string
	OldEnds map[string]map[string]End
	NewEnds map[string]map[string]End
	Forced  map[string][]pads.LandingMove

	// ChangedModels lists every model that changed, in propagation order.
	ChangedModels []string
}

func newResult() *Result {
	return &Result{
		Changed: make(map[string][]string),
		Deleted: make(map[string][]string),
		OldEnds: make(map[string]map[string]End),
		NewEnds: make(map[string]map[string]End),
		Forced:  make(map[string][]pads.LandingMove),
	}
}

// TotalChanged counts changed link instances across models.
func (r *Result) TotalChanged() int {
	n := 0
	for _, ids := range r.Changed {
		n += len(ids)
	}
	return n
}

// TotalDeleted counts deleted link instances across models.
func (r *Result) TotalDeleted() int {
	n := 0
	for _, ids := range r.Deleted {
		n += len(ids)
	}
	return n
}

func (r *Result) recordChange(modelID, linkID string, before, after *model.Link, end model.LinkEnd) {
	r.Changed[modelID] = append(r.Changed[modelID], linkID)
	if r.OldEnds[modelID] == nil {
		r.OldEnds[modelID] = make(map[string]End)
		r.NewEnds[modelID] = make(map[string]End)
	}
	r.OldEnds[modelID][linkID] = End{Node: before.NodeAt(end), Pad: before.PadAt(end)}
	r.NewEnds[modelID][linkID] = End{Node: after.NodeAt(end), Pad: after.PadAt(end)}
	r.touch(modelID)
}

func (r *Result) recordDelete(modelID, linkID string, before *model.Link, end model.LinkEnd) {
	r.Deleted[modelID] = append(r.Deleted[modelID], linkID)
	if r.OldEnds[modelID] == nil {
		r.OldEnds[modelID] = make(map[string]End)
		r.NewEnds[modelID] = make(map[string]End)
	}
	r.OldEnds[modelID][linkID] = End{Node: before.NodeAt(end), Pad: before.PadAt(end)}
	r.touch(modelID)
}

func (r *Result) touch(modelID string) {
	for _, id := range r.ChangedModels {
		if id == modelID {
			return
		}
	}
	r.ChangedModels = append(r.ChangedModels, modelID)
}

// Propagator applies node changes across the document.
type Propagator struct {
	doc     *kb.Source
	remover Remover
	log     logging.Logger
	tracer  trace.Tracer
}

// Option configures a Propagator.
type Option func(*Propagator)

func WithRemover(r Remover) Option {
	return func(p *Propagator) {
		if r != nil {
			p.remover = r
		}
	}
}

func WithLogger(log logging.Logger) Option {
	return func(p *Propagator) {
		if log != nil {
			p.log = log
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Propagator) {
		if t != nil {
			p.tracer = t
		}
	}
}

// New constructs a Propagator over doc.
func New(doc *kb.Source, opts ...Option) *Propagator {
	p := &Propagator{
		doc:     doc,
		remover: LinkRemover{},
		log:     logging.Noop(),
		tracer:  observability.Tracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Precheck validates a request without touching the document. ChangeNode
// runs it first, so any error it returns precedes every mutation.
func (p *Propagator) Precheck(req Request) error {
	if len(req.LinkIDs) == 0 {
		return ErrNoLinks
	}
	root := p.doc.Root()
	if root.Node(req.NewNodeID) == nil {
		return fmt.Errorf("%w: %q", ErrUnknownNode, req.NewNodeID)
	}
	source := ""
	unchanged := true
	for _, id := range req.LinkIDs {
		l := root.Link(id)
		if l == nil {
			return fmt.Errorf("%w: %q", ErrUnknownLink, id)
		}
		if req.End == model.EndSource {
			if source != "" && l.Source != source {
				return fmt.Errorf("%w: %q and %q", ErrMixedSources, source, l.Source)
			}
			source = l.Source
		}
		if l.NodeAt(req.End) != req.NewNodeID {
			unchanged = false
		}
	}
	if unchanged {
		return fmt.Errorf("%w: %q", ErrNoChange, req.NewNodeID)
	}
	if req.Mode == ambiguity.Ambiguous {
		if req.Resolution == nil {
			return ErrResolutionRequired
		}
		if err := req.Resolution.Validate(p.doc, req.LinkIDs, req.NewNodeID); err != nil {
			return err
		}
	}
	return nil
}

// ChangeNode moves the requested end of every link, and every instance of
// those links, onto the new node. Link instances without a destination are
// deleted through the Remover. One UnspecifiedChange event per changed model
// is queued on rec after all edits.
//
// Only input errors are returned, before anything is mutated.
func (p *Propagator) ChangeNode(ctx context.Context, rec Recorder, req Request) (*Result, error) {
	ctx, span := observability.StartStage(ctx, p.tracer, observability.StagePropagate,
		observability.AttrEnd.String(req.End.String()),
		observability.AttrNewNode.String(req.NewNodeID),
		attribute.String("tapestry.mode", req.Mode.String()),
		attribute.Int("tapestry.link_count", len(req.LinkIDs)),
	)
	defer span.End()

	if err := p.Precheck(req); err != nil {
		observability.FailStage(span, err)
		return nil, err
	}

	res := newResult()
	rootPad := p.applyRoot(ctx, rec, req, res)

	for _, g := range p.doc.TopLevelInstances() {
		p.applyInstance(ctx, rec, req, g, rootPad, res)
	}
	for _, top := range p.doc.TopLevelInstances() {
		for _, child := range p.doc.VirtualDescendants(top.ID) {
			p.mirrorVirtual(ctx, rec, req, child, res)
		}
	}

	for _, id := range res.ChangedModels {
		rec.AddEvent(core.ModelChangeEvent{ModelID: id, Kind: core.UnspecifiedChange})
	}

	span.SetAttributes(
		attribute.Int("tapestry.changed", res.TotalChanged()),
		attribute.Int("tapestry.deleted", res.TotalDeleted()),
	)
	p.log.Info(ctx, "node change propagated",
		logging.String("end", req.End.String()),
		logging.String("new_node", req.NewNodeID),
		logging.String("mode", req.Mode.String()),
		logging.Int("changed", res.TotalChanged()),
		logging.Int("deleted", res.TotalDeleted()),
		logging.Int("models", len(res.ChangedModels)),
	)
	return res, nil
}

func (p *Propagator) applyRoot(ctx context.Context, rec Recorder, req Request, res *Result) int {
	root := p.doc.Root()
	pad := p.choosePad(ctx, rec, root, req.NewNodeID, req.End, req.PreferredPad, req.LinkIDs, res)
	for _, id := range sortedCopy(req.LinkIDs) {
		p.moveEnd(ctx, rec, root, id, req.NewNodeID, pad, req.End, res)
	}
	return pad
}

func (p *Propagator) applyInstance(ctx context.Context, rec Recorder, req Request, g *core.Genome, rootPad int, res *Result) {
	affected := ambiguity.Affected(g, req.LinkIDs)
	if len(affected) == 0 {
		return
	}

	padFor := make(map[string]int)
	for _, linkID := range affected {
		l := g.Link(linkID)
		if l == nil {
			continue
		}
		dest, ok := p.destination(req, g, l)
		if !ok {
			p.remove(ctx, rec, g, l, req.End, res)
			continue
		}
		if dest == l.NodeAt(req.End) {
			continue
		}
		pad, seen := padFor[dest]
		if !seen {
			pad = p.choosePad(ctx, rec, g, dest, req.End, rootPad, affected, res)
			padFor[dest] = pad
		}
		p.moveEnd(ctx, rec, g, linkID, dest, pad, req.End, res)
	}
}

// destination resolves the new node instance for one link instance.
func (p *Propagator) destination(req Request, g *core.Genome, l *model.Link) (string, bool) {
	if req.Mode == ambiguity.Ambiguous {
		dest, ok := req.Resolution.Target(g.ID, l.ID)
		return dest, ok && dest != ""
	}
	candidates := g.NodeInstancesForBase(req.NewNodeID)
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}
	// More than one candidate under an unambiguous mode: keep the link in
	// its group when possible.
	if grp := g.GroupForNode(l.NodeAt(req.End)); grp != nil {
		for _, c := range candidates {
			if cg := g.GroupForNode(c); cg != nil && cg.ID == grp.ID {
				return c, true
			}
		}
	}
	return "", false
}

func (p *Propagator) mirrorVirtual(ctx context.Context, rec Recorder, req Request, child *core.Genome, res *Result) {
	parent := p.doc.Model(child.ParentID)
	if parent == nil {
		return
	}
	for _, mv := range res.Forced[parent.ID] {
		if l := child.Link(mv.LinkID); l != nil && l.LandingPad != mv.To {
			ch, err := child.ChangeLandingPad(mv.LinkID, mv.To)
			if err == nil {
				rec.AddGenomeChange(ch)
				res.Forced[child.ID] = append(res.Forced[child.ID], mv)
				res.touch(child.ID)
			}
		}
	}

	for _, linkID := range ambiguity.Affected(child, req.LinkIDs) {
		l := child.Link(linkID)
		if l == nil {
			continue
		}
		pl := parent.Link(linkID)
		if pl == nil || !child.HasNode(pl.NodeAt(req.End)) {
			p.remove(ctx, rec, child, l, req.End, res)
			continue
		}
		node, pad := pl.NodeAt(req.End), pl.PadAt(req.End)
		if l.NodeAt(req.End) == node && l.PadAt(req.End) == pad {
			continue
		}
		p.moveEnd(ctx, rec, child, linkID, node, pad, req.End, res)
	}
}

// choosePad picks the pad on nodeID for the moving links, forcing inbound
// links off a shared launch pad when nothing is clear.
func (p *Propagator) choosePad(ctx context.Context, rec Recorder, g *core.Genome, nodeID string, end model.LinkEnd, preferred int, moving []string, res *Result) int {
	def := p.doc.NodeDef(nodeID)
	if end == model.EndTarget {
		if pad, ok := pads.ChooseLandingPad(g, def, nodeID, preferred, moving...); ok {
			return pad
		}
		return fallbackPad(preferred)
	}

	if pad, ok := pads.ChooseLaunchPad(g, def, nodeID, preferred, moving...); ok {
		return pad
	}
	force, ok := pads.PlanEmergencyForce(g, def, nodeID, preferred, moving...)
	if !ok {
		return fallbackPad(preferred)
	}
	for _, mv := range force.Moves {
		ch, err := g.ChangeLandingPad(mv.LinkID, mv.To)
		if err != nil {
			continue
		}
		rec.AddGenomeChange(ch)
		res.Forced[g.ID] = append(res.Forced[g.ID], mv)
		res.touch(g.ID)
	}
	p.log.Warn(ctx, "emergency pad force",
		logging.String("model", g.ID),
		logging.String("node", nodeID),
		logging.Int("launch_pad", force.LaunchPad),
		logging.Int("moved", len(force.Moves)),
	)
	return force.LaunchPad
}

func (p *Propagator) moveEnd(ctx context.Context, rec Recorder, g *core.Genome, linkID, nodeID string, pad int, end model.LinkEnd, res *Result) {
	var (
		ch  core.GenomeChange
		err error
	)
	if end == model.EndSource {
		ch, err = g.ChangeLinkSource(linkID, nodeID, pad)
	} else {
		ch, err = g.ChangeLinkTarget(linkID, nodeID, pad)
	}
	if err != nil {
		// The node vanished between resolution and edit; degrade to deletion.
		if l := g.Link(linkID); l != nil {
			p.remove(ctx, rec, g, l, end, res)
		}
		return
	}
	rec.AddGenomeChange(ch)
	res.recordChange(g.ID, linkID, ch.Before, ch.After, end)
}

func (p *Propagator) remove(ctx context.Context, rec Recorder, g *core.Genome, l *model.Link, end model.LinkEnd, res *Result) {
	if err := p.remover.RemoveLink(rec, p.doc, g.ID, l.ID); err != nil {
		p.log.Warn(ctx, "link removal failed",
			logging.String("model", g.ID),
			logging.String("link", l.ID),
			logging.Err(err),
		)
		return
	}
	res.recordDelete(g.ID, l.ID, l, end)
}

func fallbackPad(preferred int) int {
	if preferred < 0 {
		return 0
	}
	return preferred
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
