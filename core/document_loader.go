// core/document_loader.go
package core

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/signalsfoundry/grn-tapestry/model"
)

// Document is everything decoded from one JSON document: the root genome,
// its instances in declaration order (parents before children) and the
// layouts of the root and every top-level instance.
type Document struct {
	Root      *Genome
	Instances []*Genome
	Layouts   map[string]*Layout
}

// DocumentSummary lists what was loaded. Mainly useful for logging from main().
type DocumentSummary struct {
	ModelIDs []string
	NodeIDs  []string
	LinkIDs  []string
}

// internal JSON shapes, unexported so the format can evolve.
type documentJSON struct {
	Root      rootJSON       `json:"root"`
	Instances []instanceJSON `json:"instances"`
	Layouts   []layoutJSON   `json:"layouts"`
}

type rootJSON struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Nodes []nodeJSON `json:"nodes"`
	Links []linkJSON `json:"links"`
}

type nodeJSON struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	Pads    int          `json:"pads"`
	Regions []regionJSON `json:"regions"`
}

type regionJSON struct {
	Name   string `json:"name"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Holder bool   `json:"holder"`
}

type linkJSON struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Target  string `json:"target"`
	Launch  int    `json:"launch"`
	Landing int    `json:"landing"`
	Sign    string `json:"sign"`
	Name    string `json:"name"`
}

type instanceJSON struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Parent  string             `json:"parent"` // empty for top-level instances
	Groups  []groupJSON        `json:"groups"`
	Nodes   []nodeInstanceJSON `json:"nodes"`
	Links   []linkJSON         `json:"links"`
}

type groupJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type nodeInstanceJSON struct {
	ID    string `json:"id"`
	Base  string `json:"base"`
	Group string `json:"group"`
}

type layoutJSON struct {
	Model     string               `json:"model"`
	Positions map[string]pointJSON `json:"positions"`
	Trees     []treeJSON           `json:"trees"`
}

type pointJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type treeJSON struct {
	Source   string        `json:"source"`
	Color    string        `json:"color"`
	Style    string        `json:"style"`
	Origin   *pointJSON    `json:"origin"`
	Segments []segmentJSON `json:"segments"`
	Drops    []dropJSON    `json:"drops"`
}

type segmentJSON struct {
	ID     string    `json:"id"`
	Parent string    `json:"parent"`
	Start  pointJSON `json:"start"`
	End    pointJSON `json:"end"`
}

type dropJSON struct {
	Link      string      `json:"link"`
	Attach    string      `json:"attach"`
	End       *pointJSON  `json:"end"`
	Waypoints []pointJSON `json:"waypoints"`
	Crude     bool        `json:"crude"`
}

// LoadDocument reads a JSON document from r. Links a layout does not draw
// explicitly get a direct drop between their pads when both endpoints have
// positions in that layout.
//
// Structural errors (unknown nodes, duplicate IDs, children declared before
// their parent) fail the load; the genome and layout Add* calls do the
// validation.
func LoadDocument(r io.Reader) (*Document, error) {
	var payload documentJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadDocument: decode failed: %w", err)
	}
	if payload.Root.ID == "" {
		return nil, fmt.Errorf("LoadDocument: %w: root genome with empty id", ErrBadInput)
	}

	doc := &Document{
		Root:    NewGenome(payload.Root.ID, payload.Root.Name, KindRoot, ""),
		Layouts: make(map[string]*Layout),
	}

	// 1) Root nodes and links
	for _, n := range payload.Root.Nodes {
		node := &model.Node{
			ID:       n.ID,
			Name:     n.Name,
			Type:     nodeTypeFromString(n.Type),
			PadCount: n.Pads,
		}
		for _, r := range n.Regions {
			node.Regions = append(node.Regions, model.GeneRegion{
				Name: r.Name, StartPad: r.Start, EndPad: r.End, Holder: r.Holder,
			})
		}
		if err := doc.Root.AddNode(node); err != nil {
			return nil, fmt.Errorf("LoadDocument: %w", err)
		}
	}
	for _, l := range payload.Root.Links {
		if err := doc.Root.AddLink(linkFromJSON(l)); err != nil {
			return nil, fmt.Errorf("LoadDocument: %w", err)
		}
	}

	// 2) Instances, parents first
	byID := map[string]*Genome{doc.Root.ID: doc.Root}
	for _, in := range payload.Instances {
		if in.ID == "" {
			return nil, fmt.Errorf("LoadDocument: %w: instance with empty id", ErrBadInput)
		}
		if _, dup := byID[in.ID]; dup {
			return nil, fmt.Errorf("LoadDocument: %w: model %q", ErrNodeExists, in.ID)
		}
		kind, parent := KindRootInstance, doc.Root.ID
		if in.Parent != "" {
			if _, ok := byID[in.Parent]; !ok || in.Parent == doc.Root.ID {
				return nil, fmt.Errorf("LoadDocument: %w: parent %q of %q", ErrBadInput, in.Parent, in.ID)
			}
			kind, parent = KindVirtual, in.Parent
		}
		g := NewGenome(in.ID, in.Name, kind, parent)
		for _, grp := range in.Groups {
			if err := g.AddGroup(&model.Group{ID: grp.ID, Name: grp.Name}); err != nil {
				return nil, fmt.Errorf("LoadDocument: %w", err)
			}
		}
		for _, ni := range in.Nodes {
			if err := g.AddNodeInstance(&model.NodeInstance{ID: ni.ID, BaseID: ni.Base, GroupID: ni.Group}); err != nil {
				return nil, fmt.Errorf("LoadDocument: %w", err)
			}
		}
		for _, l := range in.Links {
			if err := g.AddLink(linkFromJSON(l)); err != nil {
				return nil, fmt.Errorf("LoadDocument: %w", err)
			}
		}
		byID[in.ID] = g
		doc.Instances = append(doc.Instances, g)
	}

	// 3) Layouts
	for _, lj := range payload.Layouts {
		g, ok := byID[lj.Model]
		if !ok {
			return nil, fmt.Errorf("LoadDocument: %w: layout for unknown model %q", ErrBadInput, lj.Model)
		}
		if g.Kind == KindVirtual {
			return nil, fmt.Errorf("LoadDocument: %w: virtual model %q draws with its parent layout", ErrBadInput, lj.Model)
		}
		lo := NewLayout(lj.Model)
		for id, p := range lj.Positions {
			lo.SetNodePosition(id, Point{X: p.X, Y: p.Y})
		}
		for _, tj := range lj.Trees {
			bp, err := treeFromJSON(lo, g, tj)
			if err != nil {
				return nil, fmt.Errorf("LoadDocument: layout %q: %w", lj.Model, err)
			}
			if err := lo.AddTree(bp); err != nil {
				return nil, fmt.Errorf("LoadDocument: layout %q: %w", lj.Model, err)
			}
		}
		drawDirectLinks(lo, g)
		doc.Layouts[lj.Model] = lo
	}

	return doc, nil
}

// Summary reports the IDs held by the document.
func (d *Document) Summary() *DocumentSummary {
	s := &DocumentSummary{ModelIDs: []string{d.Root.ID}}
	for _, g := range d.Instances {
		s.ModelIDs = append(s.ModelIDs, g.ID)
	}
	for _, n := range d.Root.Nodes() {
		s.NodeIDs = append(s.NodeIDs, n.ID)
	}
	for _, l := range d.Root.Links() {
		s.LinkIDs = append(s.LinkIDs, l.ID)
	}
	return s
}

func treeFromJSON(lo *Layout, g *Genome, tj treeJSON) (*BusProperties, error) {
	if !g.HasNode(tj.Source) {
		return nil, fmt.Errorf("%w: tree source %q", ErrNodeNotFound, tj.Source)
	}
	var origin Point
	switch {
	case tj.Origin != nil:
		origin = Point{X: tj.Origin.X, Y: tj.Origin.Y}
	default:
		origin = launchPointFor(lo, g, tj.Source)
	}
	bp := NewBusProperties(tj.Source, origin)
	bp.Color = tj.Color
	bp.Style = tj.Style
	for _, sj := range tj.Segments {
		if sj.ID == "" {
			return nil, fmt.Errorf("%w: segment with empty id", ErrBadInput)
		}
		bp.Segments[sj.ID] = &LinkSegment{
			ID:     sj.ID,
			Parent: sj.Parent,
			Start:  Point{X: sj.Start.X, Y: sj.Start.Y},
			End:    Point{X: sj.End.X, Y: sj.End.Y},
		}
	}
	for _, sj := range tj.Segments {
		if sj.Parent != "" {
			if _, ok := bp.Segments[sj.Parent]; !ok {
				return nil, fmt.Errorf("%w: segment %q parent %q", ErrSegmentNotFound, sj.ID, sj.Parent)
			}
		}
	}
	for _, dj := range tj.Drops {
		l := g.Link(dj.Link)
		if l == nil {
			return nil, fmt.Errorf("%w: drop %q", ErrLinkNotFound, dj.Link)
		}
		if l.Source != tj.Source {
			return nil, fmt.Errorf("%w: drop %q does not leave %q", ErrBadInput, dj.Link, tj.Source)
		}
		if dj.Attach != "" {
			if _, ok := bp.Segments[dj.Attach]; !ok {
				return nil, fmt.Errorf("%w: drop %q attach %q", ErrSegmentNotFound, dj.Link, dj.Attach)
			}
		}
		d := &LinkDrop{LinkID: dj.Link, Attach: dj.Attach, Crude: dj.Crude}
		if dj.End != nil {
			d.End = Point{X: dj.End.X, Y: dj.End.Y}
		} else if p, ok := lo.PadPoint(l.Target, l.LandingPad, model.EndTarget); ok {
			d.End = p
		}
		for _, w := range dj.Waypoints {
			d.Waypoints = append(d.Waypoints, Point{X: w.X, Y: w.Y})
		}
		bp.Drops[dj.Link] = d
	}
	return bp, nil
}

// drawDirectLinks gives every undrawn link with placed endpoints a direct
// drop from its launch pad.
func drawDirectLinks(lo *Layout, g *Genome) {
	for _, l := range g.Links() {
		if lo.HasLink(l.ID) {
			continue
		}
		start, okS := lo.PadPoint(l.Source, l.LaunchPad, model.EndSource)
		end, okT := lo.PadPoint(l.Target, l.LandingPad, model.EndTarget)
		if !okS || !okT {
			continue
		}
		if _, err := lo.AddCrudeLink(l.ID, l.Source, start, end, RememberedProps{}); err != nil {
			continue
		}
		// Loaded links are drawn, not awaiting relayout.
		_, _ = lo.RouteDrop(l.ID, nil)
	}
}

func launchPointFor(lo *Layout, g *Genome, nodeID string) Point {
	pad := 0
	for _, l := range g.LinksForNode(nodeID) {
		if l.Source == nodeID {
			pad = l.LaunchPad
			break
		}
	}
	p, _ := lo.PadPoint(nodeID, pad, model.EndSource)
	return p
}

func linkFromJSON(l linkJSON) *model.Link {
	return &model.Link{
		ID:         l.ID,
		Source:     l.Source,
		Target:     l.Target,
		LaunchPad:  l.Launch,
		LandingPad: l.Landing,
		Sign:       signFromString(l.Sign),
		Name:       l.Name,
	}
}

// nodeTypeFromString is tolerant: unknown or empty types are drawn as boxes.
func nodeTypeFromString(s string) model.NodeType {
	v := model.NodeType(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case model.NodeGene, model.NodeBox, model.NodeBubble, model.NodeDiamond,
		model.NodeIntercell, model.NodeSlash, model.NodeBare:
		return v
	default:
		return model.NodeBox
	}
}

func signFromString(s string) model.Sign {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "+", "positive", "promote":
		return model.SignPositive
	case "-", "negative", "repress":
		return model.SignNegative
	default:
		return model.SignNeutral
	}
}

// LayoutModelIDs returns the sorted IDs of every model with a layout.
func (d *Document) LayoutModelIDs() []string {
	out := make([]string, 0, len(d.Layouts))
	for id := range d.Layouts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
