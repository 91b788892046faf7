package model

import (
	"strconv"
	"strings"
)

// Sign is the regulatory effect of a link.
type Sign int

const (
	SignNeutral Sign = iota
	SignPositive
	SignNegative
)

// Link is a directed edge between two nodes of one model. In the root genome
// Source and Target are node IDs; in instances they are node instance IDs and
// the link ID is an instance ID backed by a root link.
type Link struct {
	ID         string
	Source     string
	Target     string
	LaunchPad  int
	LandingPad int
	Sign       Sign
	Name       string
}

// IsFeedback reports whether the link starts and ends on the same node.
func (l *Link) IsFeedback() bool {
	return l != nil && l.Source == l.Target
}

// NodeAt returns the node at the given end of the link.
func (l *Link) NodeAt(end LinkEnd) string {
	if end == EndSource {
		return l.Source
	}
	return l.Target
}

// PadAt returns the pad used at the given end of the link.
func (l *Link) PadAt(end LinkEnd) int {
	if end == EndSource {
		return l.LaunchPad
	}
	return l.LandingPad
}

// Clone returns a copy of the link, or nil for a nil receiver.
func (l *Link) Clone() *Link {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}

// InstanceID builds the instance ID of the n-th appearance of base.
func InstanceID(base string, n int) string {
	return base + ":" + strconv.Itoa(n)
}

// BaseID strips the instance suffix from id. IDs without a suffix are
// returned unchanged.
func BaseID(id string) string {
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		if _, err := strconv.Atoi(id[i+1:]); err == nil {
			return id[:i]
		}
	}
	return id
}
