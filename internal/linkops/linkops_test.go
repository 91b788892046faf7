package linkops

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/ambiguity"
	"github.com/signalsfoundry/grn-tapestry/internal/fixture"
	"github.com/signalsfoundry/grn-tapestry/internal/propagate"
	"github.com/signalsfoundry/grn-tapestry/internal/undo"
	"github.com/signalsfoundry/grn-tapestry/kb"
	"github.com/signalsfoundry/grn-tapestry/model"
)

func gred(t *testing.T) *kb.Source {
	t.Helper()
	src, err := fixture.Gred()
	if err != nil {
		t.Fatalf("fixture.Gred: %v", err)
	}
	return src
}

func load(t *testing.T, doc string) *kb.Source {
	t.Helper()
	d, err := core.LoadDocument(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	src, err := kb.FromDocument(d)
	if err != nil {
		t.Fatalf("FromDocument: %v", err)
	}
	return src
}

func TestChangeNode_GredScenarioCommitsAndUndoesAsOne(t *testing.T) {
	ctx := context.Background()
	src := gred(t)
	ledger := undo.NewLedger(src)
	ls := New(src)
	before := fixture.Capture(src)

	req := ChangeNodeRequest{
		LinkIDs:      []string{"L1", "L2"},
		NewNodeID:    "N",
		End:          model.EndSource,
		PreferredPad: propagate.AnyPad,
		ThroughSeg:   "s1",
	}
	if got := ls.Assess(req).Mode; got != ambiguity.UnambiguousSimple {
		t.Fatalf("Assess mode = %v, want unambiguous simple", got)
	}

	sup := ledger.NewSupport(ctx, "change source node")
	out, err := ls.ChangeNode(ctx, sup, req)
	if err != nil {
		t.Fatalf("ChangeNode: %v", err)
	}
	if len(out.Requests) != 0 {
		t.Fatalf("unexpected relayout: %+v", out.Requests)
	}
	if _, err := sup.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	after := fixture.Capture(src)

	inst := src.Model("I")
	for _, id := range []string{"L1:0", "L2:0"} {
		l := inst.Link(id)
		if l.Source != "N:0" {
			t.Fatalf("%s source = %q, want N:0", id, l.Source)
		}
		shape := model.ShapeFor(src.NodeDef("N:0"))
		if l.LaunchPad < 0 || l.LaunchPad >= shape.LaunchPads {
			t.Fatalf("%s launch pad %d out of range", id, l.LaunchPad)
		}
	}

	if _, err := ledger.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	for _, id := range []string{"L1:0", "L2:0"} {
		if got := inst.Link(id).Source; got != "S:0" {
			t.Fatalf("after undo %s source = %q, want S:0", id, got)
		}
	}
	if src.LayoutFor("root").Tree("S") == nil || src.LayoutFor("root").Tree("N") != nil {
		t.Fatalf("undo did not restore the root trees")
	}
	if ledger.CanUndo() {
		t.Fatalf("the gesture should be a single transaction")
	}
	if got := fixture.Capture(src); !reflect.DeepEqual(got, before) {
		t.Fatalf("undo left the document changed:\n got %+v\nwant %+v", got, before)
	}

	if _, err := ledger.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if got := fixture.Capture(src); !reflect.DeepEqual(got, after) {
		t.Fatalf("redo did not replay the gesture:\n got %+v\nwant %+v", got, after)
	}
}

// loop has one drawn link between two boxes; moving either end onto the
// other node makes it a feedback link.
const loop = `
{
  "root": {
    "id": "root",
    "nodes": [{"id": "S", "type": "box"}, {"id": "B", "type": "box"}],
    "links": [{"id": "L1", "source": "S", "target": "B", "launch": 0, "landing": 0}]
  },
  "layouts": [{"model": "root", "positions": {"S": {"x": 0, "y": 0}, "B": {"x": 200, "y": 0}}}]
}
`

func TestChangeNode_FeedbackUndoRedo(t *testing.T) {
	cases := []struct {
		name string
		end  model.LinkEnd
		node string
	}{
		{"source onto own target", model.EndSource, "B"},
		{"target onto own source", model.EndTarget, "S"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			src := load(t, loop)
			ledger := undo.NewLedger(src)
			before := fixture.Capture(src)

			sup := ledger.NewSupport(ctx, "make feedback")
			_, err := New(src).ChangeNode(ctx, sup, ChangeNodeRequest{
				LinkIDs: []string{"L1"}, NewNodeID: tc.node, End: tc.end, PreferredPad: propagate.AnyPad,
			})
			if err != nil {
				t.Fatalf("ChangeNode: %v", err)
			}
			if _, err := sup.Finish(ctx); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			l := src.Root().Link("L1")
			if !l.IsFeedback() || l.LaunchPad == l.LandingPad {
				t.Fatalf("L1 = %+v, want feedback on two different pads", l)
			}
			after := fixture.Capture(src)

			if _, err := ledger.Undo(ctx); err != nil {
				t.Fatalf("Undo: %v", err)
			}
			if got := fixture.Capture(src); !reflect.DeepEqual(got, before) {
				t.Fatalf("undo left the document changed:\n got %+v\nwant %+v", got, before)
			}
			if _, err := ledger.Redo(ctx); err != nil {
				t.Fatalf("Redo: %v", err)
			}
			if got := fixture.Capture(src); !reflect.DeepEqual(got, after) {
				t.Fatalf("redo did not replay the gesture:\n got %+v\nwant %+v", got, after)
			}
		})
	}
}

// twoCopies holds two copies of S and N in I (one per group) and no N in J.
const twoCopies = `
{
  "root": {
    "id": "root",
    "nodes": [{"id": "S"}, {"id": "N"}, {"id": "T"}],
    "links": [{"id": "L1", "source": "S", "target": "T"}]
  },
  "instances": [
    {
      "id": "I",
      "groups": [{"id": "red"}, {"id": "blue"}],
      "nodes": [
        {"id": "S:0", "group": "red"}, {"id": "S:1", "group": "blue"},
        {"id": "N:0", "group": "red"}, {"id": "N:1", "group": "blue"},
        {"id": "T:0", "group": "red"}
      ],
      "links": [
        {"id": "L1:0", "source": "S:0", "target": "T:0"},
        {"id": "L1:1", "source": "S:1", "target": "T:0"}
      ]
    },
    {
      "id": "J",
      "groups": [{"id": "red"}],
      "nodes": [{"id": "S:0", "group": "red"}, {"id": "T:0", "group": "red"}],
      "links": [{"id": "L1:0", "source": "S:0", "target": "T:0"}]
    }
  ]
}
`

func TestChangeNode_AmbiguousNeedsReviewUntilResolved(t *testing.T) {
	ctx := context.Background()
	src := load(t, twoCopies)
	ls := New(src)
	req := ChangeNodeRequest{LinkIDs: []string{"L1"}, NewNodeID: "N", End: model.EndSource, PreferredPad: propagate.AnyPad}

	a := ls.Assess(req)
	if a.Mode != ambiguity.Ambiguous || !a.NeedsReview() {
		t.Fatalf("assessment = %+v, want ambiguous needing review", a)
	}
	if err := ls.Validate(req); !errors.Is(err, propagate.ErrResolutionRequired) {
		t.Fatalf("Validate = %v, want ErrResolutionRequired", err)
	}

	req.Resolution = a.QuickKill.PerInstance
	req.Resolution.Set("I", "L1:0", "N:0")
	req.Resolution.Set("I", "L1:1", "N:1")
	req.Resolution.Set("J", "L1:0", "")

	ledger := undo.NewLedger(src)
	sup := ledger.NewSupport(ctx, "change source node")
	out, err := ls.ChangeNode(ctx, sup, req)
	if err != nil {
		t.Fatalf("ChangeNode: %v", err)
	}
	if out.QuickKill {
		t.Fatalf("a reviewed change is not a quick kill")
	}
	if got := src.Model("I").Link("L1:1").Source; got != "N:1" {
		t.Fatalf("L1:1 source = %q, want N:1", got)
	}
	if src.Model("J").Link("L1:0") != nil {
		t.Fatalf("J copy should be deleted")
	}
}

func TestSwapLinkPads_RegionRules(t *testing.T) {
	ctx := context.Background()
	src := gred(t)
	ledger := undo.NewLedger(src)
	ls := New(src)

	// L1 lands in region A, L4 in region B of T1.
	sup := ledger.NewSupport(ctx, "swap pads")
	ok, err := ls.SwapLinkPads(ctx, sup, "root", "L1", model.EndTarget, "L4", model.EndTarget)
	if err != nil || ok {
		t.Fatalf("SwapLinkPads across regions = %v, %v; want rejected", ok, err)
	}
	if sup.Len() != 0 {
		t.Fatalf("rejected swap recorded %d entries", sup.Len())
	}
	if src.Root().Link("L1").LandingPad != 1 || src.Root().Link("L4").LandingPad != 6 {
		t.Fatalf("rejected swap mutated pads")
	}

	// L5 lands in the holder region, which may trade with anything.
	ok, err = ls.SwapLinkPads(ctx, sup, "I", "L1:0", model.EndTarget, "L5:0", model.EndTarget)
	if err != nil || !ok {
		t.Fatalf("SwapLinkPads into holder = %v, %v; want accepted", ok, err)
	}
	if got := src.Model("I").Link("L1:0").LandingPad; got != 3 {
		t.Fatalf("L1:0 landing = %d, want 3", got)
	}
	if got := src.Model("I").Link("L5:0").LandingPad; got != 1 {
		t.Fatalf("L5:0 landing = %d, want 1", got)
	}
	if got := src.Model("V").Link("L1:0").LandingPad; got != 3 {
		t.Fatalf("V did not mirror the swap, landing = %d", got)
	}
	want, _ := src.LayoutFor("I").PadPoint("T1:0", 3, model.EndTarget)
	if got := src.LayoutFor("I").LinkProperties("L1:0").Drops["L1:0"].End; got != want {
		t.Fatalf("drop end = %v, want %v", got, want)
	}
}

const shared = `
{
  "root": {
    "id": "root",
    "nodes": [{"id": "A"}, {"id": "B"}, {"id": "C", "type": "gene"}],
    "links": [
      {"id": "AB", "source": "A", "target": "B", "launch": 0, "landing": 3},
      {"id": "BC", "source": "B", "target": "C", "launch": 1, "landing": 0},
      {"id": "BB", "source": "B", "target": "B", "launch": 1, "landing": 5}
    ]
  }
}
`

func TestSwapLinkPads_TwoRole(t *testing.T) {
	ctx := context.Background()

	t.Run("feedback is illegal", func(t *testing.T) {
		src := load(t, shared)
		sup := undo.NewLedger(src).NewSupport(ctx, "swap pads")
		_, err := New(src).SwapLinkPads(ctx, sup, "root", "BB", model.EndSource, "AB", model.EndTarget)
		if !errors.Is(err, ErrTwoRoleFeedbackSwap) || !errors.Is(err, ErrIllegalState) {
			t.Fatalf("err = %v, want ErrTwoRoleFeedbackSwap", err)
		}
	})

	t.Run("launch trades with landing", func(t *testing.T) {
		src := load(t, shared)
		if _, err := src.Root().RemoveLink("BB"); err != nil {
			t.Fatalf("RemoveLink: %v", err)
		}
		sup := undo.NewLedger(src).NewSupport(ctx, "swap pads")
		ok, err := New(src).SwapLinkPads(ctx, sup, "root", "BC", model.EndSource, "AB", model.EndTarget)
		if err != nil || !ok {
			t.Fatalf("SwapLinkPads = %v, %v", ok, err)
		}
		if got := src.Root().Link("BC").LaunchPad; got != 3 {
			t.Fatalf("BC launch = %d, want 3", got)
		}
		if got := src.Root().Link("AB").LandingPad; got != 1 {
			t.Fatalf("AB landing = %d, want 1", got)
		}
	})
}

func TestChangePad(t *testing.T) {
	ctx := context.Background()
	src := gred(t)
	ls := New(src)
	sup := undo.NewLedger(src).NewSupport(ctx, "change pad")

	cases := []struct {
		name   string
		link   string
		end    model.LinkEnd
		pad    int
		wantOK bool
	}{
		{"landing in range", "L1", model.EndTarget, 5, true},
		{"landing out of range", "L1", model.EndTarget, 9, false},
		{"same pad", "L2", model.EndTarget, 2, false},
		{"launch moves whole tree", "L1", model.EndSource, 2, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := ls.ChangePad(ctx, sup, "root", tc.link, tc.end, tc.pad)
			if err != nil || ok != tc.wantOK {
				t.Fatalf("ChangePad = %v, %v; want %v", ok, err, tc.wantOK)
			}
		})
	}

	root := src.Root()
	if root.Link("L1").LandingPad != 5 {
		t.Fatalf("L1 landing = %d, want 5", root.Link("L1").LandingPad)
	}
	if root.Link("L1").LaunchPad != 2 || root.Link("L2").LaunchPad != 2 {
		t.Fatalf("launch pad change did not cover every outbound link")
	}
	if got := src.LayoutFor("root").Tree("S").Origin; got != (core.Point{X: 20, Y: 20}) {
		t.Fatalf("tree origin = %v, want (20,20)", got)
	}

	if _, err := ls.ChangePad(ctx, sup, "root", "nope", model.EndTarget, 1); !errors.Is(err, core.ErrLinkNotFound) {
		t.Fatalf("unknown link err = %v", err)
	}
	if ok, err := ls.ChangePad(ctx, sup, "V", "L1:0", model.EndTarget, 2); ok || err != nil {
		t.Fatalf("virtual model pad change = %v, %v; want rejected", ok, err)
	}
}

func TestChangePad_UndoRedo(t *testing.T) {
	ctx := context.Background()
	src := gred(t)
	ls := New(src)
	ledger := undo.NewLedger(src)
	before := fixture.Capture(src)

	sup := ledger.NewSupport(ctx, "change pads")
	for _, step := range []struct {
		end model.LinkEnd
		pad int
	}{{model.EndSource, 2}, {model.EndTarget, 5}} {
		if ok, err := ls.ChangePad(ctx, sup, "root", "L1", step.end, step.pad); !ok || err != nil {
			t.Fatalf("ChangePad(%s, %d) = %v, %v", step.end, step.pad, ok, err)
		}
	}
	if _, err := sup.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	after := fixture.Capture(src)
	if reflect.DeepEqual(after, before) {
		t.Fatalf("pad changes left no trace")
	}

	if _, err := ledger.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if got := fixture.Capture(src); !reflect.DeepEqual(got, before) {
		t.Fatalf("undo left the document changed:\n got %+v\nwant %+v", got, before)
	}
	if _, err := ledger.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if got := fixture.Capture(src); !reflect.DeepEqual(got, after) {
		t.Fatalf("redo did not replay the pad changes:\n got %+v\nwant %+v", got, after)
	}
}

func TestRelocateSegment(t *testing.T) {
	ctx := context.Background()
	src := gred(t)
	ls := New(src)
	sup := undo.NewLedger(src).NewSupport(ctx, "relocate segment")

	if ok, err := ls.RelocateSegment(ctx, sup, "root", "S", "s1", "s1"); ok || err != nil {
		t.Fatalf("self parent = %v, %v; want rejected", ok, err)
	}
	ok, err := ls.RelocateSegment(ctx, sup, "root", "S", "L1", "")
	if err != nil || !ok {
		t.Fatalf("RelocateSegment = %v, %v", ok, err)
	}
	if path := src.LayoutFor("root").PathSegments("L1"); len(path) != 0 {
		t.Fatalf("L1 path = %v, want direct from origin", path)
	}
	events := sup.Events()
	if len(events) != 1 || events[0].Kind != core.PropertyChange {
		t.Fatalf("events = %+v, want one property change", events)
	}
}
