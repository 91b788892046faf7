package core

import "github.com/signalsfoundry/grn-tapestry/model"

// GenomeChange captures one primitive link mutation in one model. A nil
// Before marks an insertion, a nil After a removal.
type GenomeChange struct {
	ModelID string
	LinkID  string
	Before  *model.Link
	After   *model.Link
}

// PropChange captures one link tree replacement in one layout. A nil Before
// marks a new tree, a nil After a deleted one.
type PropChange struct {
	LayoutID string
	TreeID   string
	Before   *BusProperties
	After    *BusProperties
}

// ChangeKind classifies a model change event.
type ChangeKind int

const (
	UnspecifiedChange ChangeKind = iota
	PropertyChange
)

func (k ChangeKind) String() string {
	if k == PropertyChange {
		return "property_change"
	}
	return "unspecified_change"
}

// ModelChangeEvent tells listeners that a model's content changed.
type ModelChangeEvent struct {
	ModelID string
	Kind    ChangeKind
}
