package model

// GeneRegion is a named cis-regulatory region spanning an inclusive range of
// a gene's landing pads. Holder regions are the non-module filler between
// named modules.
type GeneRegion struct {
	Name     string
	StartPad int
	EndPad   int
	Holder   bool
}

// Contains reports whether pad lies inside the region.
func (r GeneRegion) Contains(pad int) bool {
	return pad >= r.StartPad && pad <= r.EndPad
}
