// Package undo records reversible change entries and replays them.
//
// One user gesture accumulates its entries in a Support. Finish commits them
// to the Ledger as a single Transaction, so undo and redo always act on the
// whole gesture.
package undo

import (
	"fmt"

	"github.com/signalsfoundry/grn-tapestry/core"
)

// EntryKind tags the payload of an Entry.
type EntryKind int

const (
	EntryGenome EntryKind = iota
	EntryLayout
	EntryEvent
)

func (k EntryKind) String() string {
	switch k {
	case EntryGenome:
		return "genome"
	case EntryLayout:
		return "layout"
	case EntryEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Entry is one recorded change. Exactly one payload is set, selected by Kind.
// Props holds the tree replacements of one layout operation in the order
// they were made.
type Entry struct {
	Kind   EntryKind
	Genome core.GenomeChange
	Props  []core.PropChange
	Event  core.ModelChangeEvent
}

// Target is the document the interpreter applies entries to.
type Target interface {
	Model(id string) *core.Genome
	LayoutFor(modelID string) *core.Layout
	Publish(ev core.ModelChangeEvent)
}

// applyForward re-applies an entry.
func applyForward(t Target, e Entry) error {
	switch e.Kind {
	case EntryGenome:
		g := t.Model(e.Genome.ModelID)
		if g == nil {
			return fmt.Errorf("%w: model %q", ErrUnknownTarget, e.Genome.ModelID)
		}
		g.PutLink(e.Genome.LinkID, e.Genome.After)
	case EntryLayout:
		for _, pc := range e.Props {
			lo := t.LayoutFor(pc.LayoutID)
			if lo == nil {
				return fmt.Errorf("%w: layout %q", ErrUnknownTarget, pc.LayoutID)
			}
			lo.ReplaceTree(pc.TreeID, pc.After)
		}
	case EntryEvent:
		t.Publish(e.Event)
	default:
		return fmt.Errorf("%w: entry kind %d", ErrUnknownTarget, e.Kind)
	}
	return nil
}

// applyInverse reverts an entry. Tree replacements are reverted last first.
func applyInverse(t Target, e Entry) error {
	switch e.Kind {
	case EntryGenome:
		g := t.Model(e.Genome.ModelID)
		if g == nil {
			return fmt.Errorf("%w: model %q", ErrUnknownTarget, e.Genome.ModelID)
		}
		g.PutLink(e.Genome.LinkID, e.Genome.Before)
	case EntryLayout:
		for i := len(e.Props) - 1; i >= 0; i-- {
			pc := e.Props[i]
			lo := t.LayoutFor(pc.LayoutID)
			if lo == nil {
				return fmt.Errorf("%w: layout %q", ErrUnknownTarget, pc.LayoutID)
			}
			lo.ReplaceTree(pc.TreeID, pc.Before)
		}
	case EntryEvent:
		t.Publish(e.Event)
	default:
		return fmt.Errorf("%w: entry kind %d", ErrUnknownTarget, e.Kind)
	}
	return nil
}
