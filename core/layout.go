package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/signalsfoundry/grn-tapestry/model"
)

var (
	ErrTreeNotFound      = errors.New("link tree not found")
	ErrSegmentNotFound   = errors.New("link segment not found")
	ErrNoLinkProperties  = errors.New("link has no layout properties")
	ErrNotDirect         = errors.New("link is not a direct link")
	ErrTreeCycle         = errors.New("relocation would create a cycle")
	ErrLinkAlreadyDrawn  = errors.New("link already has layout properties")
	ErrSameSourceTree    = errors.New("breakoff target is the originating tree")
	ErrLinksNotOnSegment = errors.New("links do not pass through segment")
)

const (
	// PadSpacing is the vertical distance between neighbouring pads.
	PadSpacing = 10.0
	// PadOffset is the horizontal distance from a node centre to its pads.
	PadOffset = 20.0
)

// LinkSegment is one straight piece of a link tree. A segment with an empty
// Parent hangs off the tree origin (the source pad).
type LinkSegment struct {
	ID     string
	Parent string
	Start  Point
	End    Point
}

// LinkDrop is the final leg of one link: it leaves the end of its Attach
// segment (or the tree origin), passes through Waypoints and ends on the
// target pad. Crude drops are placeholder routes awaiting relayout.
type LinkDrop struct {
	LinkID    string
	Attach    string
	End       Point
	Waypoints []Point
	Crude     bool
}

// BusProperties is the drawn tree of every link leaving one source node in
// one layout. The tree ID is the source node ID.
type BusProperties struct {
	ID       string
	SourceID string
	Origin   Point
	Color    string
	Style    string
	Segments map[string]*LinkSegment
	Drops    map[string]*LinkDrop
}

// NewBusProperties creates an empty tree rooted at origin.
func NewBusProperties(sourceID string, origin Point) *BusProperties {
	return &BusProperties{
		ID:       sourceID,
		SourceID: sourceID,
		Origin:   origin,
		Segments: make(map[string]*LinkSegment),
		Drops:    make(map[string]*LinkDrop),
	}
}

// Clone returns a deep copy, or nil for a nil receiver.
func (bp *BusProperties) Clone() *BusProperties {
	if bp == nil {
		return nil
	}
	cp := *bp
	cp.Segments = make(map[string]*LinkSegment, len(bp.Segments))
	for id, s := range bp.Segments {
		sc := *s
		cp.Segments[id] = &sc
	}
	cp.Drops = make(map[string]*LinkDrop, len(bp.Drops))
	for id, d := range bp.Drops {
		dc := *d
		dc.Waypoints = append([]Point(nil), d.Waypoints...)
		cp.Drops[id] = &dc
	}
	return &cp
}

// LinkIDs returns the sorted IDs of the links drawn by the tree.
func (bp *BusProperties) LinkIDs() []string {
	out := make([]string, 0, len(bp.Drops))
	for id := range bp.Drops {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Path returns the segments a link travels through, origin first.
func (bp *BusProperties) Path(linkID string) []string {
	d, ok := bp.Drops[linkID]
	if !ok {
		return nil
	}
	return bp.pathTo(d.Attach)
}

func (bp *BusProperties) pathTo(segID string) []string {
	var rev []string
	seen := make(map[string]bool)
	for id := segID; id != ""; {
		s, ok := bp.Segments[id]
		if !ok || seen[id] {
			break
		}
		seen[id] = true
		rev = append(rev, id)
		id = s.Parent
	}
	out := make([]string, len(rev))
	for i, id := range rev {
		out[len(rev)-1-i] = id
	}
	return out
}

// LinksThrough returns the sorted links whose path includes segID.
func (bp *BusProperties) LinksThrough(segID string) []string {
	var out []string
	for id := range bp.Drops {
		for _, s := range bp.Path(id) {
			if s == segID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// CommonPath returns the segments shared by every listed link, origin first.
// Links not drawn by the tree are ignored.
func (bp *BusProperties) CommonPath(linkIDs []string) []string {
	var common []string
	first := true
	for _, id := range linkIDs {
		if _, ok := bp.Drops[id]; !ok {
			continue
		}
		path := bp.Path(id)
		if first {
			common = path
			first = false
			continue
		}
		n := 0
		for n < len(common) && n < len(path) && common[n] == path[n] {
			n++
		}
		common = common[:n]
	}
	return common
}

// AttachPoint returns where children of segID start.
func (bp *BusProperties) AttachPoint(segID string) Point {
	if s, ok := bp.Segments[segID]; ok {
		return s.End
	}
	return bp.Origin
}

// DropPolyline returns the drawn points of a link's final leg.
func (bp *BusProperties) DropPolyline(linkID string) []Point {
	d, ok := bp.Drops[linkID]
	if !ok {
		return nil
	}
	pts := make([]Point, 0, len(d.Waypoints)+2)
	pts = append(pts, bp.AttachPoint(d.Attach))
	pts = append(pts, d.Waypoints...)
	return append(pts, d.End)
}

func (bp *BusProperties) isDescendant(segID, ancestor string) bool {
	for _, id := range bp.pathTo(segID) {
		if id == ancestor {
			return true
		}
	}
	return false
}

// prune drops segments no remaining link travels through.
func (bp *BusProperties) prune() {
	used := make(map[string]bool)
	for id := range bp.Drops {
		for _, s := range bp.Path(id) {
			used[s] = true
		}
	}
	for id := range bp.Segments {
		if !used[id] {
			delete(bp.Segments, id)
		}
	}
}

// RememberedProps are the cosmetic properties of a link kept across a
// delete-and-reroute.
type RememberedProps struct {
	Color string
	Style string
}

// Layout is the drawn geometry of one model: node positions plus one link
// tree per source node.
type Layout struct {
	mu sync.RWMutex

	ID string

	nodePos    map[string]Point
	trees      map[string]*BusProperties
	treeByLink map[string]string
	segSeq     int
}

// NewLayout creates an empty layout for the model with the given ID.
func NewLayout(id string) *Layout {
	return &Layout{
		ID:         id,
		nodePos:    make(map[string]Point),
		trees:      make(map[string]*BusProperties),
		treeByLink: make(map[string]string),
	}
}

//
// ---------- Node geometry ----------
//

func (l *Layout) SetNodePosition(nodeID string, p Point) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodePos[nodeID] = p
}

func (l *Layout) NodePosition(nodeID string) (Point, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.nodePos[nodeID]
	return p, ok
}

// PadPoint returns the anchor of a pad. Launch pads sit to the right of the
// node centre, landing pads to the left, stacked downwards by pad index.
func (l *Layout) PadPoint(nodeID string, pad int, end model.LinkEnd) (Point, bool) {
	pos, ok := l.NodePosition(nodeID)
	if !ok {
		return Point{}, false
	}
	dx := PadOffset
	if end == model.EndTarget {
		dx = -PadOffset
	}
	return Point{X: pos.X + dx, Y: pos.Y + float64(pad)*PadSpacing}, true
}

//
// ---------- Trees ----------
//

// AddTree installs a tree. The tree ID defaults to its source.
func (l *Layout) AddTree(bp *BusProperties) error {
	if bp == nil || bp.SourceID == "" {
		return fmt.Errorf("%w: empty tree", ErrBadInput)
	}
	if bp.ID == "" {
		bp.ID = bp.SourceID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.trees[bp.ID]; exists {
		return fmt.Errorf("%w: tree %q", ErrLinkExists, bp.ID)
	}
	for id := range bp.Drops {
		if _, drawn := l.treeByLink[id]; drawn {
			return fmt.Errorf("%w: %q", ErrLinkAlreadyDrawn, id)
		}
	}
	l.installLocked(bp.ID, bp.Clone())
	return nil
}

// Tree returns a copy of a tree, or nil.
func (l *Layout) Tree(treeID string) *BusProperties {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.trees[treeID].Clone()
}

// Trees returns copies of every tree sorted by ID.
func (l *Layout) Trees() []*BusProperties {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*BusProperties, 0, len(l.trees))
	for _, bp := range l.trees {
		out = append(out, bp.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TreeForSource returns a copy of the tree drawn from sourceID, or nil.
func (l *Layout) TreeForSource(sourceID string) *BusProperties {
	return l.Tree(sourceID)
}

// LinkProperties returns a copy of the tree drawing linkID, or nil.
func (l *Layout) LinkProperties(linkID string) *BusProperties {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tid, ok := l.treeByLink[linkID]
	if !ok {
		return nil
	}
	return l.trees[tid].Clone()
}

// PathSegments returns the segments linkID travels through, origin first.
func (l *Layout) PathSegments(linkID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tid, ok := l.treeByLink[linkID]
	if !ok {
		return nil
	}
	return l.trees[tid].Path(linkID)
}

// LinksThroughSegment returns the links of treeID passing through segID.
func (l *Layout) LinksThroughSegment(treeID, segID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bp, ok := l.trees[treeID]
	if !ok {
		return nil
	}
	return bp.LinksThrough(segID)
}

// Counts returns the number of trees and drawn links.
func (l *Layout) Counts() (trees, links int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trees), len(l.treeByLink)
}

// HasLink reports whether linkID is drawn.
func (l *Layout) HasLink(linkID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.treeByLink[linkID]
	return ok
}

// DrawnLinkIDs returns every drawn link, sorted.
func (l *Layout) DrawnLinkIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.treeByLink))
	for id := range l.treeByLink {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReplaceTree installs bp as treeID, or removes the tree when bp is nil.
func (l *Layout) ReplaceTree(treeID string, bp *BusProperties) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.installLocked(treeID, bp.Clone())
}

// BuildRememberProps captures the cosmetic properties of drawn links.
func (l *Layout) BuildRememberProps(linkIDs []string) map[string]RememberedProps {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]RememberedProps, len(linkIDs))
	for _, id := range linkIDs {
		tid, ok := l.treeByLink[id]
		if !ok {
			continue
		}
		bp := l.trees[tid]
		out[id] = RememberedProps{Color: bp.Color, Style: bp.Style}
	}
	return out
}

//
// ---------- Tree surgery ----------
//

// SplitDirectLinkInHalf gives a direct link an attachable segment running from
// the tree origin to the midpoint of its first leg. It returns the new
// segment ID.
func (l *Layout) SplitDirectLinkInHalf(linkID string) (string, []PropChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bp, err := l.workingTreeForLinkLocked(linkID)
	if err != nil {
		return "", nil, err
	}
	drop := bp.Drops[linkID]
	if drop.Attach != "" {
		return "", nil, fmt.Errorf("%w: %q", ErrNotDirect, linkID)
	}
	first := drop.End
	if len(drop.Waypoints) > 0 {
		first = drop.Waypoints[0]
	}
	seg := &LinkSegment{
		ID:    l.newSegmentIDLocked(bp),
		Start: bp.Origin,
		End:   Midpoint(bp.Origin, first),
	}
	bp.Segments[seg.ID] = seg
	drop.Attach = seg.ID
	return seg.ID, []PropChange{l.installLocked(bp.ID, bp)}, nil
}

// SupportLinkSourceBreakoff moves links off treeID onto the tree of
// newSource. The moved piece of the old tree (attachSeg and everything below
// it on the moved links' paths) is re-rooted at the new source origin; an
// empty attachSeg moves the links' whole paths. The old tree is pruned and
// removed once empty. When newSource already has a tree the piece is merged
// into it.
func (l *Layout) SupportLinkSourceBreakoff(treeID, attachSeg string, linkIDs []string, newSource string, newOrigin Point) ([]PropChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, ok := l.trees[treeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTreeNotFound, treeID)
	}
	if newSource == "" || newSource == old.SourceID {
		return nil, fmt.Errorf("%w: %q", ErrSameSourceTree, newSource)
	}
	old = old.Clone()
	if attachSeg != "" {
		if _, ok := old.Segments[attachSeg]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrSegmentNotFound, attachSeg)
		}
	}

	dest := l.trees[newSource].Clone()
	if dest == nil {
		dest = NewBusProperties(newSource, newOrigin)
		dest.Color = old.Color
		dest.Style = old.Style
	}

	idMap := make(map[string]string)
	for _, linkID := range linkIDs {
		drop, ok := old.Drops[linkID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoLinkProperties, linkID)
		}
		path := old.Path(linkID)
		start := 0
		if attachSeg != "" {
			start = -1
			for i, s := range path {
				if s == attachSeg {
					start = i
					break
				}
			}
			if start < 0 {
				return nil, fmt.Errorf("%w: %q not through %q", ErrLinksNotOnSegment, linkID, attachSeg)
			}
		}
		suffix := path[start:]
		parent := ""
		for i, segID := range suffix {
			if mapped, done := idMap[segID]; done {
				parent = mapped
				continue
			}
			src := old.Segments[segID]
			cp := &LinkSegment{ID: l.newSegmentIDLocked(dest), Parent: parent, Start: src.Start, End: src.End}
			if i == 0 {
				cp.Parent = ""
				cp.Start = dest.Origin
			}
			dest.Segments[cp.ID] = cp
			idMap[segID] = cp.ID
			parent = cp.ID
		}
		nd := &LinkDrop{
			LinkID:    linkID,
			Attach:    parent,
			End:       drop.End,
			Waypoints: append([]Point(nil), drop.Waypoints...),
			Crude:     drop.Crude,
		}
		dest.Drops[linkID] = nd
		delete(old.Drops, linkID)
	}
	old.prune()

	var changes []PropChange
	if len(old.Drops) == 0 {
		changes = append(changes, l.installLocked(treeID, nil))
	} else {
		changes = append(changes, l.installLocked(treeID, old))
	}
	changes = append(changes, l.installLocked(dest.ID, dest))
	return changes, nil
}

// RelocateSegmentOnTree re-parents a segment or a link drop (named by link
// ID) onto newParent within the same tree. An empty newParent attaches to
// the tree origin.
func (l *Layout) RelocateSegmentOnTree(treeID, item, newParent string) ([]PropChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bp := l.trees[treeID].Clone()
	if bp == nil {
		return nil, fmt.Errorf("%w: %q", ErrTreeNotFound, treeID)
	}
	if newParent != "" {
		if _, ok := bp.Segments[newParent]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrSegmentNotFound, newParent)
		}
	}

	if seg, ok := bp.Segments[item]; ok {
		if newParent == item || bp.isDescendant(newParent, item) {
			return nil, fmt.Errorf("%w: %q under %q", ErrTreeCycle, item, newParent)
		}
		seg.Parent = newParent
		seg.Start = bp.AttachPoint(newParent)
	} else if drop, ok := bp.Drops[item]; ok {
		drop.Attach = newParent
	} else {
		return nil, fmt.Errorf("%w: %q", ErrSegmentNotFound, item)
	}
	bp.prune()
	return []PropChange{l.installLocked(treeID, bp)}, nil
}

// MoveDropEnd moves the target end of a link's drop.
func (l *Layout) MoveDropEnd(linkID string, p Point) ([]PropChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bp, err := l.workingTreeForLinkLocked(linkID)
	if err != nil {
		return nil, err
	}
	bp.Drops[linkID].End = p
	return []PropChange{l.installLocked(bp.ID, bp)}, nil
}

// MoveTreeStart moves a tree's origin and the start of its root segments.
func (l *Layout) MoveTreeStart(treeID string, p Point) ([]PropChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bp := l.trees[treeID].Clone()
	if bp == nil {
		return nil, fmt.Errorf("%w: %q", ErrTreeNotFound, treeID)
	}
	bp.Origin = p
	for _, s := range bp.Segments {
		if s.Parent == "" {
			s.Start = p
		}
	}
	return []PropChange{l.installLocked(treeID, bp)}, nil
}

// RemoveLinkProperties deletes a link's drop, pruning segments only it used
// and the whole tree once empty.
func (l *Layout) RemoveLinkProperties(linkID string) ([]PropChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bp, err := l.workingTreeForLinkLocked(linkID)
	if err != nil {
		return nil, err
	}
	delete(bp.Drops, linkID)
	bp.prune()
	if len(bp.Drops) == 0 {
		return []PropChange{l.installLocked(bp.ID, nil)}, nil
	}
	return []PropChange{l.installLocked(bp.ID, bp)}, nil
}

// AddCrudeLink draws linkID as a crude direct drop from the tree of
// sourceID, creating the tree at origin when the source has none.
func (l *Layout) AddCrudeLink(linkID, sourceID string, origin, end Point, remembered RememberedProps) ([]PropChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, drawn := l.treeByLink[linkID]; drawn {
		return nil, fmt.Errorf("%w: %q", ErrLinkAlreadyDrawn, linkID)
	}
	bp := l.trees[sourceID].Clone()
	if bp == nil {
		bp = NewBusProperties(sourceID, origin)
		bp.Color = remembered.Color
		bp.Style = remembered.Style
	}
	bp.Drops[linkID] = &LinkDrop{LinkID: linkID, End: end, Crude: true}
	return []PropChange{l.installLocked(bp.ID, bp)}, nil
}

// RouteDrop replaces a drop's waypoints and clears its crude flag.
func (l *Layout) RouteDrop(linkID string, waypoints []Point) ([]PropChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bp, err := l.workingTreeForLinkLocked(linkID)
	if err != nil {
		return nil, err
	}
	d := bp.Drops[linkID]
	d.Waypoints = append([]Point(nil), waypoints...)
	d.Crude = false
	return []PropChange{l.installLocked(bp.ID, bp)}, nil
}

// CrudeLinkIDs returns every drop still awaiting relayout, sorted.
func (l *Layout) CrudeLinkIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for _, bp := range l.trees {
		for id, d := range bp.Drops {
			if d.Crude {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

//
// ---------- Hit testing and matching ----------
//

// HitSegment finds the segment or drop nearest to p within tol. Drops are
// reported by link ID.
func (l *Layout) HitSegment(p Point, tol float64) (treeID, item string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	best := math.Inf(1)
	for _, tid := range l.sortedTreeIDsLocked() {
		bp := l.trees[tid]
		for _, sid := range sortedKeys(bp.Segments) {
			s := bp.Segments[sid]
			if d := DistanceToSegment(p, s.Start, s.End); d <= tol && d < best {
				best, treeID, item, ok = d, tid, sid, true
			}
		}
		for _, lid := range bp.LinkIDs() {
			pts := bp.DropPolyline(lid)
			for i := 0; i+1 < len(pts); i++ {
				if d := DistanceToSegment(p, pts[i], pts[i+1]); d <= tol && d < best {
					best, treeID, item, ok = d, tid, lid, true
				}
			}
		}
	}
	return treeID, item, ok
}

// FindInheritedMatchingLinkSegment locates the segment of this layout that
// corresponds to the segment start-end of another layout for the given
// links. A segment with matching endpoints wins; otherwise the shared
// segment whose midpoint is nearest. An empty segID with ok set means the
// links are drawn but share no segment, so they hang off the origin.
func (l *Layout) FindInheritedMatchingLinkSegment(linkIDs []string, start, end Point, tol float64) (treeID, segID string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	mid := Midpoint(start, end)
	best := math.Inf(1)
	for _, tid := range l.sortedTreeIDsLocked() {
		bp := l.trees[tid]
		var present []string
		for _, id := range linkIDs {
			if _, drawn := bp.Drops[id]; drawn {
				present = append(present, id)
			}
		}
		if len(present) == 0 {
			continue
		}
		common := bp.CommonPath(present)
		for _, sid := range common {
			s := bp.Segments[sid]
			if s.Start.Near(start, tol) && s.End.Near(end, tol) {
				return tid, sid, true
			}
		}
		if !ok {
			treeID, segID, ok = tid, "", true
		}
		for _, sid := range common {
			s := bp.Segments[sid]
			if d := Midpoint(s.Start, s.End).DistanceTo(mid); d < best {
				best, treeID, segID = d, tid, sid
			}
		}
	}
	return treeID, segID, ok
}

//
// ---------- Helpers ----------
//

// installLocked swaps in the new state of a tree, keeps the link index in
// step, and returns the change record. Caller must hold l.mu.
func (l *Layout) installLocked(treeID string, after *BusProperties) PropChange {
	before := l.trees[treeID]
	if before != nil {
		for id := range before.Drops {
			if l.treeByLink[id] == treeID {
				delete(l.treeByLink, id)
			}
		}
		delete(l.trees, treeID)
	}
	if after != nil {
		after.ID = treeID
		l.trees[treeID] = after
		for id := range after.Drops {
			l.treeByLink[id] = treeID
		}
	}
	return PropChange{LayoutID: l.ID, TreeID: treeID, Before: before.Clone(), After: after.Clone()}
}

func (l *Layout) workingTreeForLinkLocked(linkID string) (*BusProperties, error) {
	tid, ok := l.treeByLink[linkID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoLinkProperties, linkID)
	}
	return l.trees[tid].Clone(), nil
}

func (l *Layout) newSegmentIDLocked(bp *BusProperties) string {
	for {
		l.segSeq++
		id := fmt.Sprintf("%s/s%d", bp.ID, l.segSeq)
		if _, taken := bp.Segments[id]; !taken {
			return id
		}
	}
}

func (l *Layout) sortedTreeIDsLocked() []string {
	return sortedKeys(l.trees)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
