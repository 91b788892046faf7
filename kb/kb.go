package kb

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/model"
)

// Source is the document-wide store: the root genome, the forest of genome
// instances derived from it and the layouts they draw with. It also fans out
// model-change events to subscribers.
type Source struct {
	mu sync.RWMutex

	root      *core.Genome
	instances map[string]*core.Genome
	order     []string
	layouts   map[string]*core.Layout

	subs    map[int]func(core.ModelChangeEvent)
	nextSub int
}

// Counts is a snapshot of document size, used for gauges and CLI reports.
type Counts struct {
	Models     int
	Nodes      int
	Links      int
	Trees      int
	CrudeDrops int
}

// NewSource constructs a Source around a root genome.
func NewSource(root *core.Genome) *Source {
	return &Source{
		root:      root,
		instances: make(map[string]*core.Genome),
		layouts:   make(map[string]*core.Layout),
		subs:      make(map[int]func(core.ModelChangeEvent)),
	}
}

// FromDocument builds a Source from a loaded document.
func FromDocument(doc *core.Document) (*Source, error) {
	if doc == nil || doc.Root == nil {
		return nil, fmt.Errorf("%w: empty document", core.ErrBadInput)
	}
	s := NewSource(doc.Root)
	for _, g := range doc.Instances {
		if err := s.AddInstance(g); err != nil {
			return nil, err
		}
	}
	for _, id := range doc.LayoutModelIDs() {
		if err := s.SetLayout(doc.Layouts[id]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Root returns the root genome.
func (s *Source) Root() *core.Genome {
	return s.root
}

// AddInstance registers a genome instance. Its parent must already be known.
func (s *Source) AddInstance(g *core.Genome) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("%w: empty instance", core.ErrBadInput)
	}
	if g.Kind == core.KindRoot {
		return fmt.Errorf("%w: %q is a root genome", core.ErrBadInput, g.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[g.ID]; exists || g.ID == s.root.ID {
		return fmt.Errorf("%w: model %q", core.ErrNodeExists, g.ID)
	}
	switch g.Kind {
	case core.KindRootInstance:
		if g.ParentID != "" && g.ParentID != s.root.ID {
			return fmt.Errorf("%w: top-level instance %q has parent %q", core.ErrBadInput, g.ID, g.ParentID)
		}
	case core.KindVirtual:
		if _, ok := s.instances[g.ParentID]; !ok {
			return fmt.Errorf("%w: parent %q of %q", core.ErrBadInput, g.ParentID, g.ID)
		}
	}
	s.instances[g.ID] = g
	s.order = append(s.order, g.ID)
	return nil
}

// SetLayout installs the layout of the root genome or of a top-level instance.
func (s *Source) SetLayout(lo *core.Layout) error {
	if lo == nil {
		return fmt.Errorf("%w: nil layout", core.ErrBadInput)
	}
	g := s.Model(lo.ID)
	if g == nil {
		return fmt.Errorf("%w: layout for unknown model %q", core.ErrBadInput, lo.ID)
	}
	if g.Kind == core.KindVirtual {
		return fmt.Errorf("%w: virtual model %q has no layout of its own", core.ErrBadInput, lo.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.layouts[lo.ID] = lo
	return nil
}

// Model returns the root genome or an instance by ID, or nil.
func (s *Source) Model(id string) *core.Genome {
	if id == s.root.ID {
		return s.root
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances[id]
}

// Instances returns every instance in registration order.
func (s *Source) Instances() []*core.Genome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Genome, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.instances[id])
	}
	return out
}

// TopLevelInstances returns the root instances in registration order.
func (s *Source) TopLevelInstances() []*core.Genome {
	var out []*core.Genome
	for _, g := range s.Instances() {
		if g.Kind == core.KindRootInstance {
			out = append(out, g)
		}
	}
	return out
}

// Children returns the direct virtual children of a model.
func (s *Source) Children(id string) []*core.Genome {
	var out []*core.Genome
	for _, g := range s.Instances() {
		if g.Kind == core.KindVirtual && g.ParentID == id {
			out = append(out, g)
		}
	}
	return out
}

// VirtualDescendants returns every virtual model below id, breadth first, so
// each model comes after its parent.
func (s *Source) VirtualDescendants(id string) []*core.Genome {
	var out []*core.Genome
	queue := []string{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, c := range s.Children(next) {
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out
}

// TopLevelAncestor returns the top-level instance a model descends from, the
// model itself when it is top level, or nil for the root and unknown IDs.
func (s *Source) TopLevelAncestor(id string) *core.Genome {
	g := s.Model(id)
	for g != nil && g.Kind == core.KindVirtual {
		g = s.Model(g.ParentID)
	}
	if g == nil || g.Kind != core.KindRootInstance {
		return nil
	}
	return g
}

// LayoutFor returns the layout a model draws with. Virtual models share the
// layout of their top-level ancestor.
func (s *Source) LayoutFor(modelID string) *core.Layout {
	key := modelID
	if modelID != s.root.ID {
		top := s.TopLevelAncestor(modelID)
		if top == nil {
			return nil
		}
		key = top.ID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layouts[key]
}

// Layouts returns the root layout first, then top-level instance layouts in
// registration order. Models without a layout are skipped.
func (s *Source) Layouts() []*core.Layout {
	var out []*core.Layout
	if lo := s.LayoutFor(s.root.ID); lo != nil {
		out = append(out, lo)
	}
	for _, g := range s.TopLevelInstances() {
		if lo := s.LayoutFor(g.ID); lo != nil {
			out = append(out, lo)
		}
	}
	return out
}

// NodeDef returns the root definition behind a node or node instance ID.
func (s *Source) NodeDef(nodeID string) *model.Node {
	return s.root.Node(model.BaseID(nodeID))
}

// Counts returns a snapshot of document size.
func (s *Source) Counts() Counts {
	c := Counts{Models: 1, Nodes: len(s.root.Nodes()), Links: s.root.LinkCount()}
	for _, g := range s.Instances() {
		c.Models++
		c.Links += g.LinkCount()
	}
	for _, lo := range s.Layouts() {
		trees, _ := lo.Counts()
		c.Trees += trees
		c.CrudeDrops += len(lo.CrudeLinkIDs())
	}
	return c
}

// Subscribe registers a callback for model-change events. It returns an
// unsubscribe function.
func (s *Source) Subscribe(fn func(core.ModelChangeEvent)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Publish delivers ev to every subscriber.
func (s *Source) Publish(ev core.ModelChangeEvent) {
	s.mu.RLock()
	subs := make([]func(core.ModelChangeEvent), 0, len(s.subs))
	for id := 0; id < s.nextSub; id++ {
		if fn, ok := s.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.RUnlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, fn := range subs {
		fn(ev)
	}
}
