package propagate

import (
	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/kb"
)

// Remover deletes a link instance that has no destination, together with
// whatever else the document keeps for it.
type Remover interface {
	RemoveLink(rec Recorder, doc *kb.Source, modelID, linkID string) error
}

// LinkRemover deletes the link from its model and, for models that own a
// layout, its drawn drop. Virtual models draw with their parent's layout, so
// only the link goes.
type LinkRemover struct{}

func (LinkRemover) RemoveLink(rec Recorder, doc *kb.Source, modelID, linkID string) error {
	g := doc.Model(modelID)
	if g == nil {
		return core.ErrBadInput
	}
	ch, err := g.RemoveLink(linkID)
	if err != nil {
		return err
	}
	rec.AddGenomeChange(ch)

	if g.Kind == core.KindVirtual {
		return nil
	}
	if lo := doc.LayoutFor(modelID); lo != nil && lo.HasLink(linkID) {
		props, err := lo.RemoveLinkProperties(linkID)
		if err != nil {
			return err
		}
		rec.AddPropChanges(props)
	}
	return nil
}
