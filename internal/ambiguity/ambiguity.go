// Package ambiguity classifies a source or target node change across the
// genome instances and, for ambiguous changes, attempts an automatic
// resolution by group membership.
package ambiguity

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/kb"
	"github.com/signalsfoundry/grn-tapestry/model"
)

// NodeChange is the category of a node change. Higher values dominate when
// instances disagree, except Ambiguous which dominates everything.
type NodeChange int

const (
	UnambiguousSimple NodeChange = iota
	UnambiguousRegionChange
	UnambiguousCollapse
	Ambiguous
)

func (c NodeChange) String() string {
	switch c {
	case UnambiguousSimple:
		return "unambiguous_simple"
	case UnambiguousRegionChange:
		return "unambiguous_region_change"
	case UnambiguousCollapse:
		return "unambiguous_collapse"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Resolution maps model ID → link instance ID → chosen node instance ID. An
// empty node instance ID means the link instance is deleted.
type Resolution map[string]map[string]string

// Target returns the node instance chosen for a link instance.
func (r Resolution) Target(modelID, linkID string) (nodeID string, ok bool) {
	m, ok := r[modelID]
	if !ok {
		return "", false
	}
	nodeID, ok = m[linkID]
	return nodeID, ok
}

// Set records a choice, creating the per-model map as needed.
func (r Resolution) Set(modelID, linkID, nodeID string) {
	m, ok := r[modelID]
	if !ok {
		m = make(map[string]string)
		r[modelID] = m
	}
	m[linkID] = nodeID
}

// Validate checks that r answers every affected link instance with either a
// deletion or an instance of newNodeID in the same model.
func (r Resolution) Validate(doc *kb.Source, linkIDs []string, newNodeID string) error {
	for _, g := range doc.TopLevelInstances() {
		for _, linkID := range Affected(g, linkIDs) {
			choice, ok := r.Target(g.ID, linkID)
			if !ok {
				return fmt.Errorf("%w: no resolution for %s/%s", core.ErrBadInput, g.ID, linkID)
			}
			if choice == "" {
				continue
			}
			ni := g.NodeInstance(choice)
			if ni == nil || ni.BaseID != newNodeID {
				return fmt.Errorf("%w: %s/%s resolves to %q, not an instance of %q",
					core.ErrBadInput, g.ID, linkID, choice, newNodeID)
			}
		}
	}
	return nil
}

// Affected returns the sorted link instances of g backed by any of the root
// links.
func Affected(g *core.Genome, linkIDs []string) []string {
	var out []string
	for _, id := range linkIDs {
		out = append(out, g.LinkIDsForBacking(id)...)
	}
	sort.Strings(out)
	return out
}

// Classify categorises changing the given end of linkIDs (root link IDs) to
// newNodeID (a root node ID). Every top-level instance holding a copy of the
// links must hold exactly one instance of the new node, and every node
// involved must belong to a group; otherwise the change is Ambiguous.
func Classify(doc *kb.Source, linkIDs []string, newNodeID string, end model.LinkEnd) NodeChange {
	result := UnambiguousSimple
	for _, g := range doc.TopLevelInstances() {
		affected := Affected(g, linkIDs)
		if len(affected) == 0 {
			continue
		}
		c := classifyInstance(g, affected, newNodeID, end)
		if c == Ambiguous {
			return Ambiguous
		}
		if c > result {
			result = c
		}
	}
	return result
}

func classifyInstance(g *core.Genome, affected []string, newNodeID string, end model.LinkEnd) NodeChange {
	candidates := g.NodeInstancesForBase(newNodeID)
	if len(candidates) != 1 {
		return Ambiguous
	}
	newGroup := g.GroupForNode(candidates[0])
	if newGroup == nil {
		return Ambiguous
	}

	oldGroups := make(map[string]bool)
	for _, linkID := range affected {
		l := g.Link(linkID)
		if l == nil {
			continue
		}
		grp := g.GroupForNode(l.NodeAt(end))
		if grp == nil {
			return Ambiguous
		}
		oldGroups[grp.ID] = true
	}

	switch {
	case len(oldGroups) > 1:
		return UnambiguousCollapse
	case len(oldGroups) == 1 && !oldGroups[newGroup.ID]:
		return UnambiguousRegionChange
	default:
		return UnambiguousSimple
	}
}

// QuickKillResult is the outcome of the group-based automatic resolution.
type QuickKillResult struct {
	// IsQuickKill is true when every affected link instance found a new node
	// instance in its old group.
	IsQuickKill bool
	// MustDeleteLinks is true when some model holds no instance of the new
	// node at all, so its copies can only be deleted.
	MustDeleteLinks bool
	// PerInstance holds the choices made. Unresolved link instances are
	// absent unless they must be deleted.
	PerInstance Resolution
}

// QuickKill tries to resolve an ambiguous change by sending each link
// instance to the new node instance placed in the group its old node
// belongs to.
func QuickKill(doc *kb.Source, linkIDs []string, newNodeID string, end model.LinkEnd) QuickKillResult {
	res := QuickKillResult{IsQuickKill: true, PerInstance: make(Resolution)}
	for _, g := range doc.TopLevelInstances() {
		affected := Affected(g, linkIDs)
		if len(affected) == 0 {
			continue
		}

		candidates := g.NodeInstancesForBase(newNodeID)
		byGroup := make(map[string]string)
		crowded := make(map[string]bool)
		for _, ni := range candidates {
			grp := g.GroupForNode(ni)
			if grp == nil {
				continue
			}
			if _, seen := byGroup[grp.ID]; seen {
				crowded[grp.ID] = true
				continue
			}
			byGroup[grp.ID] = ni
		}

		for _, linkID := range affected {
			l := g.Link(linkID)
			if l == nil {
				continue
			}
			if grp := g.GroupForNode(l.NodeAt(end)); grp != nil && !crowded[grp.ID] {
				if target, ok := byGroup[grp.ID]; ok {
					res.PerInstance.Set(g.ID, linkID, target)
					continue
				}
			}
			res.IsQuickKill = false
			if len(candidates) == 0 {
				res.MustDeleteLinks = true
				res.PerInstance.Set(g.ID, linkID, "")
			}
		}
	}
	return res
}
