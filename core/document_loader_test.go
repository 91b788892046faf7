// core/document_loader_test.go
package core

import (
	"errors"
	"strings"
	"testing"
)

const loaderFixture = `
{
  "root": {
    "id": "root",
    "name": "Endomesoderm",
    "nodes": [
      {"id": "S", "type": "box"},
      {"id": "T", "type": "gene", "pads": 6,
       "regions": [{"name": "A", "start": 0, "end": 2}, {"name": "h", "start": 3, "end": 5, "holder": true}]}
    ],
    "links": [
      {"id": "L1", "source": "S", "target": "T", "launch": 0, "landing": 1, "sign": "+"}
    ]
  },
  "instances": [
    {
      "id": "I", "name": "Early",
      "groups": [{"id": "red", "name": "Gred"}],
      "nodes": [{"id": "S:0", "base": "S", "group": "red"}, {"id": "T:0", "base": "T", "group": "red"}],
      "links": [{"id": "L1:0", "source": "S:0", "target": "T:0", "launch": 0, "landing": 1}]
    },
    {
      "id": "V", "name": "Early VFN", "parent": "I",
      "nodes": [{"id": "S:0", "base": "S"}, {"id": "T:0", "base": "T"}],
      "links": [{"id": "L1:0", "source": "S:0", "target": "T:0", "launch": 0, "landing": 1}]
    }
  ],
  "layouts": [
    {
      "model": "root",
      "positions": {"S": {"x": 0, "y": 0}, "T": {"x": 100, "y": 0}},
      "trees": [
        {"source": "S", "color": "red",
         "segments": [{"id": "s1", "start": {"x": 20, "y": 0}, "end": {"x": 50, "y": 0}}],
         "drops": [{"link": "L1", "attach": "s1"}]}
      ]
    },
    {
      "model": "I",
      "positions": {"S:0": {"x": 0, "y": 0}, "T:0": {"x": 100, "y": 0}}
    }
  ]
}
`

func TestLoadDocument_PopulatesModels(t *testing.T) {
	doc, err := LoadDocument(strings.NewReader(loaderFixture))
	if err != nil {
		t.Fatalf("LoadDocument returned error: %v", err)
	}

	summary := doc.Summary()
	if len(summary.ModelIDs) != 3 || len(summary.NodeIDs) != 2 || len(summary.LinkIDs) != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	gene := doc.Root.Node("T")
	if gene == nil || len(gene.Regions) != 2 || !gene.Regions[1].Holder {
		t.Fatalf("gene regions not loaded: %+v", gene)
	}
	if doc.Root.Link("L1").Sign != 1 {
		t.Fatalf("sign not parsed")
	}

	if doc.Instances[0].Kind != KindRootInstance || doc.Instances[1].Kind != KindVirtual {
		t.Fatalf("instance kinds = %v, %v", doc.Instances[0].Kind, doc.Instances[1].Kind)
	}
	if doc.Instances[1].ParentID != "I" {
		t.Fatalf("VFN parent = %q", doc.Instances[1].ParentID)
	}
	if grp := doc.Instances[0].GroupForNode("S:0"); grp == nil || grp.Name != "Gred" {
		t.Fatalf("group membership not loaded: %+v", grp)
	}
}

func TestLoadDocument_DrawsTrees(t *testing.T) {
	doc, err := LoadDocument(strings.NewReader(loaderFixture))
	if err != nil {
		t.Fatalf("LoadDocument returned error: %v", err)
	}

	root := doc.Layouts["root"]
	bp := root.LinkProperties("L1")
	if bp == nil || bp.Color != "red" {
		t.Fatalf("root tree = %+v", bp)
	}
	// Missing origin and drop end default to the pads.
	if bp.Origin != (Point{X: 20, Y: 0}) {
		t.Fatalf("origin = %v", bp.Origin)
	}
	if bp.Drops["L1"].End != (Point{X: 80, Y: 10}) {
		t.Fatalf("drop end = %v", bp.Drops["L1"].End)
	}

	inst := doc.Layouts["I"].LinkProperties("L1:0")
	if inst == nil || inst.Drops["L1:0"].Crude {
		t.Fatalf("undrawn link not given a direct drop: %+v", inst)
	}
	if _, ok := doc.Layouts["V"]; ok {
		t.Fatalf("virtual model should not own a layout")
	}
	if got := doc.LayoutModelIDs(); len(got) != 2 || got[0] != "I" || got[1] != "root" {
		t.Fatalf("LayoutModelIDs = %v", got)
	}
}

func TestLoadDocument_StructuralErrors(t *testing.T) {
	cases := []struct {
		name    string
		json    string
		wantErr error
	}{
		{
			name:    "unknown link endpoint",
			json:    `{"root": {"id": "r", "nodes": [{"id": "S"}], "links": [{"id": "L", "source": "S", "target": "X"}]}}`,
			wantErr: ErrNodeNotFound,
		},
		{
			name:    "child before parent",
			json:    `{"root": {"id": "r"}, "instances": [{"id": "V", "parent": "I"}]}`,
			wantErr: ErrBadInput,
		},
		{
			name:    "empty root id",
			json:    `{"root": {}}`,
			wantErr: ErrBadInput,
		},
		{
			name:    "layout for unknown model",
			json:    `{"root": {"id": "r"}, "layouts": [{"model": "nope"}]}`,
			wantErr: ErrBadInput,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadDocument(strings.NewReader(tc.json))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("LoadDocument error = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := LoadDocument(strings.NewReader(`{"root": `)); err == nil {
		t.Fatalf("expected decode error for truncated JSON")
	}
}
