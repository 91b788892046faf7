package model

// PadShape is the pad layout a node renderer exposes.
//
// When Shared is true launch and landing pads are drawn from one numbered
// set, so a pad used to launch a link cannot also land one.
type PadShape struct {
	LaunchPads  int
	LandingPads int
	Shared      bool
}

// ShapeFor returns the renderer pad policy for a node.
func ShapeFor(n *Node) PadShape {
	if n == nil {
		return PadShape{}
	}
	switch n.Type {
	case NodeGene:
		pads := n.PadCount
		if pads <= 0 {
			pads = DefaultGenePads
		}
		return PadShape{LaunchPads: 1, LandingPads: pads}
	case NodeSlash:
		return PadShape{LaunchPads: 1, LandingPads: 2}
	case NodeBox:
		return PadShape{LaunchPads: 8, LandingPads: 8, Shared: true}
	default:
		return PadShape{LaunchPads: 4, LandingPads: 4, Shared: true}
	}
}

// PadCountFor returns how many pads a node exposes for the given link end.
func (s PadShape) PadCountFor(end LinkEnd) int {
	if end == EndSource {
		return s.LaunchPads
	}
	return s.LandingPads
}

// LinkEnd names one end of a link.
type LinkEnd int

const (
	EndSource LinkEnd = iota
	EndTarget
)

func (e LinkEnd) String() string {
	if e == EndSource {
		return "source"
	}
	return "target"
}
