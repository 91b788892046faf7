package kb_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/fixture"
	"github.com/signalsfoundry/grn-tapestry/kb"
)

func ids(gs []*core.Genome) []string {
	out := make([]string, 0, len(gs))
	for _, g := range gs {
		out = append(out, g.ID)
	}
	return out
}

func TestSourceHierarchy(t *testing.T) {
	src, err := fixture.Gred()
	if err != nil {
		t.Fatalf("fixture.Gred: %v", err)
	}

	if got := ids(src.TopLevelInstances()); len(got) != 1 || got[0] != "I" {
		t.Fatalf("TopLevelInstances = %v", got)
	}
	if got := ids(src.VirtualDescendants("I")); len(got) != 1 || got[0] != "V" {
		t.Fatalf("VirtualDescendants(I) = %v", got)
	}
	if top := src.TopLevelAncestor("V"); top == nil || top.ID != "I" {
		t.Fatalf("TopLevelAncestor(V) = %v", top)
	}
	if top := src.TopLevelAncestor("root"); top != nil {
		t.Fatalf("root has no top-level ancestor, got %v", top.ID)
	}
	if src.LayoutFor("V") != src.LayoutFor("I") {
		t.Fatalf("virtual model should draw with its parent's layout")
	}
	if src.LayoutFor("root") == nil {
		t.Fatalf("missing root layout")
	}
	if def := src.NodeDef("T1:0"); def == nil || def.ID != "T1" {
		t.Fatalf("NodeDef(T1:0) = %+v", def)
	}
}

func TestVirtualDescendantsBreadthFirst(t *testing.T) {
	src := kb.NewSource(core.NewGenome("root", "", core.KindRoot, ""))
	add := func(id string, kind core.ModelKind, parent string) {
		t.Helper()
		if err := src.AddInstance(core.NewGenome(id, id, kind, parent)); err != nil {
			t.Fatalf("AddInstance(%s): %v", id, err)
		}
	}
	add("I", core.KindRootInstance, "root")
	add("A", core.KindVirtual, "I")
	add("B", core.KindVirtual, "I")
	add("A1", core.KindVirtual, "A")
	add("B1", core.KindVirtual, "B")

	got := ids(src.VirtualDescendants("I"))
	want := []string{"A", "B", "A1", "B1"}
	if len(got) != len(want) {
		t.Fatalf("VirtualDescendants = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("VirtualDescendants = %v, want %v", got, want)
		}
	}
	if src.LayoutFor("B1") != nil {
		t.Fatalf("expected no layout before one is set")
	}
}

func TestAddInstanceValidation(t *testing.T) {
	src := kb.NewSource(core.NewGenome("root", "", core.KindRoot, ""))

	err := src.AddInstance(core.NewGenome("V", "", core.KindVirtual, "missing"))
	if !errors.Is(err, core.ErrBadInput) {
		t.Fatalf("orphan virtual error = %v", err)
	}
	if err := src.AddInstance(core.NewGenome("I", "", core.KindRootInstance, "root")); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if err := src.AddInstance(core.NewGenome("I", "", core.KindRootInstance, "root")); !errors.Is(err, core.ErrNodeExists) {
		t.Fatalf("duplicate error = %v", err)
	}
	if err := src.SetLayout(core.NewLayout("nope")); !errors.Is(err, core.ErrBadInput) {
		t.Fatalf("SetLayout unknown model error = %v", err)
	}
}

func TestCounts(t *testing.T) {
	src, err := fixture.Gred()
	if err != nil {
		t.Fatalf("fixture.Gred: %v", err)
	}
	c := src.Counts()
	if c.Models != 3 || c.Nodes != 5 || c.Links != 10 {
		t.Fatalf("Counts = %+v", c)
	}
	if c.CrudeDrops != 0 {
		t.Fatalf("fixture should load fully drawn, got %d crude drops", c.CrudeDrops)
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	src := kb.NewSource(core.NewGenome("root", "", core.KindRoot, ""))

	var (
		mu  sync.Mutex
		got []core.ModelChangeEvent
	)
	unsub := src.Subscribe(func(ev core.ModelChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	other := 0
	unsubOther := src.Subscribe(func(core.ModelChangeEvent) { other++ })

	src.Publish(core.ModelChangeEvent{ModelID: "root"})
	unsubOther()
	src.Publish(core.ModelChangeEvent{ModelID: "I", Kind: core.PropertyChange})
	unsub()
	src.Publish(core.ModelChangeEvent{ModelID: "ignored"})

	if len(got) != 2 || got[1].Kind != core.PropertyChange {
		t.Fatalf("events = %+v", got)
	}
	if other != 1 {
		t.Fatalf("second subscriber saw %d events, want 1", other)
	}
}
