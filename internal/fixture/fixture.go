// Package fixture ships the small demonstration document used by the CLI and
// the package tests: a source S fanning out to two genes, a new source N in
// the same group, and a modulator M landing on the gene regions of T1.
package fixture

import (
	"bytes"
	_ "embed"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/kb"
	"github.com/signalsfoundry/grn-tapestry/model"
)

//go:embed gred.json
var gredJSON []byte

// GredJSON returns a copy of the raw demo document.
func GredJSON() []byte {
	return append([]byte(nil), gredJSON...)
}

// Gred loads a fresh copy of the demo document.
func Gred() (*kb.Source, error) {
	doc, err := core.LoadDocument(bytes.NewReader(gredJSON))
	if err != nil {
		return nil, err
	}
	return kb.FromDocument(doc)
}

// Snapshot is a deep copy of every link and every link tree of a document,
// keyed by model and layout ID. Two snapshots of the same state compare
// equal with reflect.DeepEqual.
type Snapshot struct {
	Links map[string][]model.Link
	Trees map[string][]*core.BusProperties
}

// Capture snapshots src.
func Capture(src *kb.Source) Snapshot {
	s := Snapshot{
		Links: make(map[string][]model.Link),
		Trees: make(map[string][]*core.BusProperties),
	}
	models := append([]*core.Genome{src.Root()}, src.Instances()...)
	for _, g := range models {
		links := make([]model.Link, 0)
		for _, l := range g.Links() {
			links = append(links, *l)
		}
		s.Links[g.ID] = links
	}
	for _, lo := range src.Layouts() {
		s.Trees[lo.ID] = lo.Trees()
	}
	return s
}
