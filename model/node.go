package model

// NodeType selects the renderer used for a node, which in turn fixes how many
// pads it exposes and whether launch and landing pads share one namespace.
type NodeType string

const (
	NodeGene      NodeType = "gene"
	NodeBox       NodeType = "box"
	NodeBubble    NodeType = "bubble"
	NodeDiamond   NodeType = "diamond"
	NodeIntercell NodeType = "intercell"
	NodeSlash     NodeType = "slash"
	NodeBare      NodeType = "bare"
)

// DefaultGenePads is the landing pad count of a gene that does not declare one.
const DefaultGenePads = 8

// Node is a network node definition owned by the root genome. Instances of a
// node in genome instances refer back to it through their BaseID.
type Node struct {
	ID   string
	Name string
	Type NodeType

	// PadCount overrides the landing pad count for genes. Ignored by other
	// node types.
	PadCount int

	// Regions partition a gene's landing pads into cis-regulatory modules.
	Regions []GeneRegion
}

// RegionForPad returns the gene region covering pad, or nil when the pad
// falls outside every declared region.
func (n *Node) RegionForPad(pad int) *GeneRegion {
	if n == nil {
		return nil
	}
	for i := range n.Regions {
		if n.Regions[i].Contains(pad) {
			return &n.Regions[i]
		}
	}
	return nil
}

// NodeInstance is the appearance of a root node inside a genome instance.
type NodeInstance struct {
	ID      string
	BaseID  string
	GroupID string
}

// Group is a named region of a genome instance that node instances belong to.
type Group struct {
	ID   string
	Name string
}
