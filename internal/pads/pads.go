// Package pads decides which pads of a node are free for a link end.
//
// Launch and landing pads are numbered per node. When a node's renderer
// shares one namespace between the two roles, a launch pad cannot also land
// a link; otherwise the roles never collide. A node launches every outbound
// link from a single pad.
package pads

import (
	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/model"
)

// Skip names the links whose pads on a node are being rewritten, per role.
// A check skips a link only in the role it is leaving; its pad in the other
// role still occupies the namespace.
type Skip struct {
	Launch  []string
	Landing []string
}

// Launches skips the launch role of ids.
func Launches(ids ...string) Skip { return Skip{Launch: ids} }

// Landings skips the landing role of ids.
func Landings(ids ...string) Skip { return Skip{Landing: ids} }

// SourcePadIsClear reports whether nodeID may launch a link from pad. It is
// false when another link already launches from a different pad of the node,
// or, for shared namespaces, when a link lands on pad.
func SourcePadIsClear(g *core.Genome, nodeID string, pad int, shared bool, skip Skip) bool {
	launch, landing := toSet(skip.Launch), toSet(skip.Landing)
	for _, l := range g.LinksForNode(nodeID) {
		if l.Source == nodeID && !launch[l.ID] && l.LaunchPad != pad {
			return false
		}
		if shared && l.Target == nodeID && !landing[l.ID] && l.LandingPad == pad {
			return false
		}
	}
	return true
}

// TargetPadIsClear reports whether a link may land on pad of nodeID. Only a
// shared namespace can block it, when an outbound link launches from pad.
func TargetPadIsClear(g *core.Genome, nodeID string, pad int, shared bool, skip Skip) bool {
	if !shared {
		return true
	}
	launch := toSet(skip.Launch)
	for _, l := range g.LinksForNode(nodeID) {
		if l.Source == nodeID && !launch[l.ID] && l.LaunchPad == pad {
			return false
		}
	}
	return true
}

// PadIsClear dispatches on the link end.
func PadIsClear(g *core.Genome, nodeID string, pad int, end model.LinkEnd, shared bool, skip Skip) bool {
	if end == model.EndSource {
		return SourcePadIsClear(g, nodeID, pad, shared, skip)
	}
	return TargetPadIsClear(g, nodeID, pad, shared, skip)
}

// PadInRange reports whether pad exists on a node of the given shape.
func PadInRange(shape model.PadShape, end model.LinkEnd, pad int) bool {
	return pad >= 0 && pad < shape.PadCountFor(end)
}

// ExistingLaunchPad returns the pad the node already launches from.
func ExistingLaunchPad(g *core.Genome, nodeID string, skip Skip) (int, bool) {
	launch := toSet(skip.Launch)
	for _, l := range g.LinksForNode(nodeID) {
		if !launch[l.ID] && l.Source == nodeID {
			return l.LaunchPad, true
		}
	}
	return 0, false
}

// ChooseLaunchPad picks the launch pad for links moving their source onto
// nodeID: the node's existing launch pad when it has one, else preferred,
// else the first clear pad no link lands on, else the first clear pad. The
// moving links' landings on nodeID still count.
func ChooseLaunchPad(g *core.Genome, node *model.Node, nodeID string, preferred int, moving ...string) (int, bool) {
	shape := model.ShapeFor(node)
	skip := Launches(moving...)
	if pad, ok := ExistingLaunchPad(g, nodeID, skip); ok {
		return pad, SourcePadIsClear(g, nodeID, pad, shape.Shared, skip)
	}
	return choose(g, nodeID, shape, model.EndSource, preferred, skip)
}

// ChooseLandingPad picks the landing pad for links moving their target onto
// nodeID: preferred when clear, else the first clear pad no link lands on,
// else the first clear pad. The moving links' launches from nodeID still
// count.
func ChooseLandingPad(g *core.Genome, node *model.Node, nodeID string, preferred int, moving ...string) (int, bool) {
	return choose(g, nodeID, model.ShapeFor(node), model.EndTarget, preferred, Landings(moving...))
}

func choose(g *core.Genome, nodeID string, shape model.PadShape, end model.LinkEnd, preferred int, skip Skip) (int, bool) {
	if PadInRange(shape, end, preferred) && PadIsClear(g, nodeID, preferred, end, shape.Shared, skip) {
		return preferred, true
	}
	used := landingCounts(g, nodeID, skip)
	n := shape.PadCountFor(end)
	for pad := 0; pad < n; pad++ {
		if used[pad] == 0 && PadIsClear(g, nodeID, pad, end, shape.Shared, skip) {
			return pad, true
		}
	}
	for pad := 0; pad < n; pad++ {
		if PadIsClear(g, nodeID, pad, end, shape.Shared, skip) {
			return pad, true
		}
	}
	return 0, false
}

// LandingMove relocates one inbound link to another landing pad.
type LandingMove struct {
	LinkID string
	From   int
	To     int
}

// Force is the plan for freeing a launch pad on a shared-namespace node
// whose pads are all occupied by inbound links.
type Force struct {
	LaunchPad int
	Moves     []LandingMove
}

// PlanEmergencyForce frees a launch pad by moving the links that land on it
// to the least used other pad. The launch pad is the node's existing one
// when it has one, else preferred when in range, else pad 0. It fails when
// the namespace is not shared (nothing can collide) or no other pad exists.
func PlanEmergencyForce(g *core.Genome, node *model.Node, nodeID string, preferred int, moving ...string) (Force, bool) {
	shape := model.ShapeFor(node)
	if !shape.Shared || shape.LandingPads < 2 {
		return Force{}, false
	}

	skip := Launches(moving...)
	launch := 0
	if pad, ok := ExistingLaunchPad(g, nodeID, skip); ok {
		launch = pad
	} else if PadInRange(shape, model.EndSource, preferred) {
		launch = preferred
	}

	counts := landingCounts(g, nodeID, skip)
	target, best := -1, 0
	for pad := 0; pad < shape.LandingPads; pad++ {
		if pad == launch {
			continue
		}
		if target < 0 || counts[pad] < best {
			target, best = pad, counts[pad]
		}
	}

	f := Force{LaunchPad: launch}
	for _, l := range g.LinksForNode(nodeID) {
		if l.Target != nodeID || l.LandingPad != launch {
			continue
		}
		f.Moves = append(f.Moves, LandingMove{LinkID: l.ID, From: launch, To: target})
	}
	return f, true
}

// RegionConflict reports whether moving a landing from oldPad to newPad on
// a gene crosses between two different named, non-holder cis-regulatory
// regions.
func RegionConflict(node *model.Node, oldPad, newPad int) bool {
	if node == nil || node.Type != model.NodeGene {
		return false
	}
	from := node.RegionForPad(oldPad)
	to := node.RegionForPad(newPad)
	if from == nil || to == nil || from.Holder || to.Holder {
		return false
	}
	return from.Name != to.Name
}

func landingCounts(g *core.Genome, nodeID string, skip Skip) map[int]int {
	landing := toSet(skip.Landing)
	counts := make(map[int]int)
	for _, l := range g.LinksForNode(nodeID) {
		if !landing[l.ID] && l.Target == nodeID {
			counts[l.LandingPad]++
		}
	}
	return counts
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
