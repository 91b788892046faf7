package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/grn-tapestry/model"
)

var (
	ErrNodeExists    = errors.New("node already exists")
	ErrNodeNotFound  = errors.New("node not found")
	ErrLinkExists    = errors.New("link already exists")
	ErrLinkNotFound  = errors.New("link not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrBadInput      = errors.New("invalid input")
)

// ModelKind distinguishes the root genome from the instances derived from it.
type ModelKind int

const (
	KindRoot ModelKind = iota
	KindRootInstance
	KindVirtual
)

func (k ModelKind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindRootInstance:
		return "root_instance"
	case KindVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// Genome is one network model. The root genome owns node definitions; genome
// instances own node instances and groups. Both own links, indexed by the
// nodes they touch.
//
// Genome is safe for concurrent use, but multi-step edits are expected to be
// serialised by the caller (one gesture at a time).
type Genome struct {
	mu sync.RWMutex

	ID       string
	Name     string
	Kind     ModelKind
	ParentID string

	nodes         map[string]*model.Node
	nodeInstances map[string]*model.NodeInstance
	groups        map[string]*model.Group
	links         map[string]*model.Link
	linksByNode   map[string]map[string]*model.Link
}

// NewGenome creates an empty model.
func NewGenome(id, name string, kind ModelKind, parentID string) *Genome {
	return &Genome{
		ID:            id,
		Name:          name,
		Kind:          kind,
		ParentID:      parentID,
		nodes:         make(map[string]*model.Node),
		nodeInstances: make(map[string]*model.NodeInstance),
		groups:        make(map[string]*model.Group),
		links:         make(map[string]*model.Link),
		linksByNode:   make(map[string]map[string]*model.Link),
	}
}

//
// ---------- Nodes ----------
//

// AddNode registers a node definition. Only the root genome holds definitions.
func (g *Genome) AddNode(n *model.Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: empty node", ErrBadInput)
	}
	if g.Kind != KindRoot {
		return fmt.Errorf("%w: node definitions belong to the root genome", ErrBadInput)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	g.nodes[n.ID] = n
	return nil
}

// Node returns a root node definition, or nil.
func (g *Genome) Node(id string) *model.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Nodes returns all node definitions sorted by ID.
func (g *Genome) Nodes() []*model.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*model.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddNodeInstance places an instance of a root node into this model.
func (g *Genome) AddNodeInstance(ni *model.NodeInstance) error {
	if ni == nil || ni.ID == "" {
		return fmt.Errorf("%w: empty node instance", ErrBadInput)
	}
	if g.Kind == KindRoot {
		return fmt.Errorf("%w: root genome has no node instances", ErrBadInput)
	}
	if ni.BaseID == "" {
		ni.BaseID = model.BaseID(ni.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodeInstances[ni.ID]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, ni.ID)
	}
	if ni.GroupID != "" {
		if _, ok := g.groups[ni.GroupID]; !ok {
			return fmt.Errorf("%w: %q", ErrGroupNotFound, ni.GroupID)
		}
	}
	g.nodeInstances[ni.ID] = ni
	return nil
}

// NodeInstance returns a node instance by ID, or nil.
func (g *Genome) NodeInstance(id string) *model.NodeInstance {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodeInstances[id]
}

// NodeInstancesForBase returns the sorted IDs of every instance of a root node.
func (g *Genome) NodeInstancesForBase(baseID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for id, ni := range g.nodeInstances {
		if ni.BaseID == baseID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// HasNode reports whether nodeID names a node of this model: a definition in
// the root genome, a node instance elsewhere.
func (g *Genome) HasNode(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.Kind == KindRoot {
		_, ok := g.nodes[nodeID]
		return ok
	}
	_, ok := g.nodeInstances[nodeID]
	return ok
}

// NodeIDForBase maps a root node ID onto this model's node namespace. For the
// root genome that is the ID itself.
func (g *Genome) NodeIDForBase(baseID string) []string {
	if g.Kind == KindRoot {
		if g.Node(baseID) == nil {
			return nil
		}
		return []string{baseID}
	}
	return g.NodeInstancesForBase(baseID)
}

//
// ---------- Groups ----------
//

// AddGroup registers a group.
func (g *Genome) AddGroup(grp *model.Group) error {
	if grp == nil || grp.ID == "" {
		return fmt.Errorf("%w: empty group", ErrBadInput)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.groups[grp.ID] = grp
	return nil
}

// Group returns a group by ID, or nil.
func (g *Genome) Group(id string) *model.Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.groups[id]
}

// GroupForNode returns the group owning a node instance, or nil when the node
// is unknown or ungrouped.
func (g *Genome) GroupForNode(nodeID string) *model.Group {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ni, ok := g.nodeInstances[nodeID]
	if !ok || ni.GroupID == "" {
		return nil
	}
	return g.groups[ni.GroupID]
}

//
// ---------- Links ----------
//

// AddLink inserts a link and indexes it under both endpoints.
func (g *Genome) AddLink(l *model.Link) error {
	if l == nil || l.ID == "" {
		return fmt.Errorf("%w: empty link", ErrBadInput)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.links[l.ID]; exists {
		return fmt.Errorf("%w: %q", ErrLinkExists, l.ID)
	}
	if !g.hasNodeLocked(l.Source) {
		return fmt.Errorf("%w: link %q source %q", ErrNodeNotFound, l.ID, l.Source)
	}
	if !g.hasNodeLocked(l.Target) {
		return fmt.Errorf("%w: link %q target %q", ErrNodeNotFound, l.ID, l.Target)
	}
	g.putLinkLocked(l.Clone())
	return nil
}

// Link returns a copy of the link, or nil.
func (g *Genome) Link(id string) *model.Link {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.links[id].Clone()
}

// Links returns copies of every link sorted by ID.
func (g *Genome) Links() []*model.Link {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*model.Link, 0, len(g.links))
	for _, l := range g.links {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LinksForNode returns copies of the links touching nodeID at either end.
func (g *Genome) LinksForNode(nodeID string) []*model.Link {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m := g.linksByNode[nodeID]
	out := make([]*model.Link, 0, len(m))
	for _, l := range m {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LinkIDsForBacking returns the sorted IDs of links backed by a root link.
// In the root genome that is the link itself when present.
func (g *Genome) LinkIDsForBacking(baseID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.Kind == KindRoot {
		if _, ok := g.links[baseID]; ok {
			return []string{baseID}
		}
		return nil
	}
	var out []string
	for id := range g.links {
		if model.BaseID(id) == baseID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// LinkCount returns the number of links.
func (g *Genome) LinkCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.links)
}

// ChangeLinkSource moves the source end of a link onto another node and pad.
func (g *Genome) ChangeLinkSource(linkID, nodeID string, pad int) (GenomeChange, error) {
	return g.mutateLink(linkID, func(l *model.Link) error {
		if !g.hasNodeLocked(nodeID) {
			return fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
		}
		l.Source = nodeID
		l.LaunchPad = pad
		return nil
	})
}

// ChangeLinkTarget moves the target end of a link onto another node and pad.
func (g *Genome) ChangeLinkTarget(linkID, nodeID string, pad int) (GenomeChange, error) {
	return g.mutateLink(linkID, func(l *model.Link) error {
		if !g.hasNodeLocked(nodeID) {
			return fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
		}
		l.Target = nodeID
		l.LandingPad = pad
		return nil
	})
}

// ChangeLaunchPad changes only the launch pad of a link.
func (g *Genome) ChangeLaunchPad(linkID string, pad int) (GenomeChange, error) {
	return g.mutateLink(linkID, func(l *model.Link) error {
		l.LaunchPad = pad
		return nil
	})
}

// ChangeLandingPad changes only the landing pad of a link.
func (g *Genome) ChangeLandingPad(linkID string, pad int) (GenomeChange, error) {
	return g.mutateLink(linkID, func(l *model.Link) error {
		l.LandingPad = pad
		return nil
	})
}

// RemoveLink deletes a link and its adjacency entries.
func (g *Genome) RemoveLink(linkID string) (GenomeChange, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.links[linkID]
	if !ok {
		return GenomeChange{}, fmt.Errorf("%w: %q", ErrLinkNotFound, linkID)
	}
	g.deleteLinkLocked(linkID)
	return GenomeChange{ModelID: g.ID, LinkID: linkID, Before: l.Clone()}, nil
}

// PutLink installs l verbatim, replacing any link with the same ID. A nil
// link with a non-empty id removes it. Used when replaying change records.
func (g *Genome) PutLink(id string, l *model.Link) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.links[id]; ok {
		g.deleteLinkLocked(id)
	}
	if l != nil {
		g.putLinkLocked(l.Clone())
	}
}

func (g *Genome) mutateLink(linkID string, fn func(*model.Link) error) (GenomeChange, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.links[linkID]
	if !ok {
		return GenomeChange{}, fmt.Errorf("%w: %q", ErrLinkNotFound, linkID)
	}
	before := current.Clone()
	next := current.Clone()
	if err := fn(next); err != nil {
		return GenomeChange{}, err
	}
	g.deleteLinkLocked(linkID)
	g.putLinkLocked(next)
	return GenomeChange{ModelID: g.ID, LinkID: linkID, Before: before, After: next.Clone()}, nil
}

// hasNodeLocked checks node membership. Caller must hold g.mu.
func (g *Genome) hasNodeLocked(nodeID string) bool {
	if g.Kind == KindRoot {
		_, ok := g.nodes[nodeID]
		return ok
	}
	_, ok := g.nodeInstances[nodeID]
	return ok
}

// putLinkLocked stores l and indexes both endpoints. Caller must hold g.mu.
func (g *Genome) putLinkLocked(l *model.Link) {
	g.links[l.ID] = l
	g.attachLinkToNode(l, l.Source)
	g.attachLinkToNode(l, l.Target)
}

// deleteLinkLocked removes a link and its adjacency. Caller must hold g.mu.
func (g *Genome) deleteLinkLocked(linkID string) {
	l, ok := g.links[linkID]
	if !ok {
		return
	}
	g.detachLinkFromNode(linkID, l.Source)
	g.detachLinkFromNode(linkID, l.Target)
	delete(g.links, linkID)
}

func (g *Genome) attachLinkToNode(l *model.Link, nodeID string) {
	m, ok := g.linksByNode[nodeID]
	if !ok {
		m = make(map[string]*model.Link)
		g.linksByNode[nodeID] = m
	}
	m[l.ID] = l
}

func (g *Genome) detachLinkFromNode(linkID, nodeID string) {
	if m, ok := g.linksByNode[nodeID]; ok {
		delete(m, linkID)
		if len(m) == 0 {
			delete(g.linksByNode, nodeID)
		}
	}
}
