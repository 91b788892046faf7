package session

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/fixture"
	"github.com/signalsfoundry/grn-tapestry/internal/flow"
	"github.com/signalsfoundry/grn-tapestry/internal/journal"
	"github.com/signalsfoundry/grn-tapestry/internal/linkops"
	"github.com/signalsfoundry/grn-tapestry/internal/observability"
	"github.com/signalsfoundry/grn-tapestry/internal/propagate"
	"github.com/signalsfoundry/grn-tapestry/internal/undo"
	"github.com/signalsfoundry/grn-tapestry/kb"
	"github.com/signalsfoundry/grn-tapestry/model"
)

func collectors(t *testing.T) (*observability.RelocationCollector, *observability.RelayoutCollector) {
	t.Helper()
	reg := prometheus.NewRegistry()
	rc, err := observability.NewRelocationCollector(reg)
	if err != nil {
		t.Fatalf("NewRelocationCollector: %v", err)
	}
	lc, err := observability.NewRelayoutCollector(reg)
	if err != nil {
		t.Fatalf("NewRelayoutCollector: %v", err)
	}
	return rc, lc
}

func gredCommand() flow.Command {
	return flow.Command{
		Kind: flow.CmdChangeNode,
		Node: linkops.ChangeNodeRequest{
			LinkIDs: []string{"L1", "L2"}, NewNodeID: "N", End: model.EndSource,
			PreferredPad: propagate.AnyPad, ThroughSeg: "s1",
		},
	}
}

func TestSessionRunUndoRedo(t *testing.T) {
	ctx := context.Background()
	src, err := fixture.Gred()
	if err != nil {
		t.Fatalf("fixture.Gred: %v", err)
	}
	j, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	metrics, relayoutMetrics := collectors(t)
	s := New(src,
		Headless(true),
		WithJournal(j),
		WithMetrics(metrics),
		WithRelayoutMetrics(relayoutMetrics),
	)
	defer s.Close()

	if got := testutil.ToFloat64(metrics.DocumentModels); got != 3 {
		t.Fatalf("document models gauge = %v, want 3", got)
	}
	before := fixture.Capture(src)

	res, err := s.Run(ctx, gredCommand(), &flow.AutoUI{ConfirmAll: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Final != flow.TagAccept {
		t.Fatalf("final = %s (%s), want accept", res.Final, res.Reason)
	}
	if got := testutil.ToFloat64(metrics.Relocations.WithLabelValues("change_node", "accept")); got != 1 {
		t.Fatalf("relocations = %v, want 1", got)
	}
	after := fixture.Capture(src)

	if _, err := s.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if got := src.Root().Link("L1").Source; got != "S" {
		t.Fatalf("after undo L1 source = %q, want S", got)
	}
	if got := fixture.Capture(src); !reflect.DeepEqual(got, before) {
		t.Fatalf("undo left the document changed:\n got %+v\nwant %+v", got, before)
	}
	if _, err := s.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if got := src.Root().Link("L1").Source; got != "N" {
		t.Fatalf("after redo L1 source = %q, want N", got)
	}
	if got := fixture.Capture(src); !reflect.DeepEqual(got, after) {
		t.Fatalf("redo did not replay the gesture:\n got %+v\nwant %+v", got, after)
	}
	if _, err := s.Redo(ctx); !errors.Is(err, ErrNothingToRedo) {
		t.Fatalf("second Redo = %v, want ErrNothingToRedo", err)
	}

	if got := testutil.ToFloat64(metrics.UndoOperations.WithLabelValues("undo")); got != 1 {
		t.Fatalf("undo operations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.UndoOperations.WithLabelValues("redo")); got != 1 {
		t.Fatalf("redo operations = %v, want 1", got)
	}

	counts, err := j.Count(ctx)
	if err != nil {
		t.Fatalf("journal Count: %v", err)
	}
	if counts[undo.DirectionCommit] != 1 || counts[undo.DirectionUndo] != 1 || counts[undo.DirectionRedo] != 1 {
		t.Fatalf("journal counts = %v", counts)
	}
}

func TestSessionGestureSpansShareGestureID(t *testing.T) {
	src, err := fixture.Gred()
	if err != nil {
		t.Fatalf("fixture.Gred: %v", err)
	}
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer(observability.TracerName)
	s := New(src, Headless(true), WithTracer(tracer))

	if _, err := s.Run(context.Background(), gredCommand(), &flow.AutoUI{ConfirmAll: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	gestures := make(map[string]string)
	for _, span := range rec.Ended() {
		for _, kv := range span.Attributes() {
			if kv.Key == observability.AttrGestureID {
				gestures[span.Name()] = kv.Value.AsString()
			}
		}
	}
	want := gestures[observability.StageGesture.SpanName()]
	if want == "" {
		t.Fatalf("gesture span missing or unlabelled: %v", gestures)
	}
	for _, stage := range []observability.Stage{observability.StageChangeNode, observability.StagePropagate, observability.StageReconcile} {
		if got := gestures[stage.SpanName()]; got != want {
			t.Fatalf("%s gesture = %q, want %q", stage.SpanName(), got, want)
		}
	}
}

func TestSessionUndoEmpty(t *testing.T) {
	src, err := fixture.Gred()
	if err != nil {
		t.Fatalf("fixture.Gred: %v", err)
	}
	s := New(src, Headless(true))
	if _, err := s.Undo(context.Background()); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("Undo = %v, want ErrNothingToUndo", err)
	}
	if !s.IsHeadless() || s.Document() != src || s.Links().Document() != src {
		t.Fatalf("session accessors do not expose the wired document")
	}
}

// split sends the two copies of L1 in I to different new source copies, so
// the change leaves both drawn crudely for relayout.
const split = `
{
  "root": {
    "id": "root",
    "nodes": [{"id": "S"}, {"id": "N"}, {"id": "T", "type": "gene"}],
    "links": [{"id": "L1", "source": "S", "target": "T", "landing": 1}]
  },
  "instances": [{
    "id": "I",
    "groups": [{"id": "red"}, {"id": "blue"}],
    "nodes": [
      {"id": "S:0", "group": "red"}, {"id": "S:1", "group": "blue"},
      {"id": "N:0", "group": "red"}, {"id": "N:1", "group": "blue"},
      {"id": "T:0", "group": "red"}
    ],
    "links": [
      {"id": "L1:0", "source": "S:0", "target": "T:0", "landing": 1},
      {"id": "L1:1", "source": "S:1", "target": "T:0", "landing": 2}
    ]
  }],
  "layouts": [
    {"model": "root", "positions": {"S": {"x": 0, "y": 0}, "N": {"x": 0, "y": 100}, "T": {"x": 200, "y": 0}}},
    {"model": "I", "positions": {
      "S:0": {"x": 0, "y": 0}, "S:1": {"x": 0, "y": 50},
      "N:0": {"x": 0, "y": 100}, "N:1": {"x": 0, "y": 150},
      "T:0": {"x": 200, "y": 0}
    }}
  ]
}
`

func TestSessionRelayoutFinishesCancelledPass(t *testing.T) {
	ctx := context.Background()
	d, err := core.LoadDocument(strings.NewReader(split))
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	src, err := kb.FromDocument(d)
	if err != nil {
		t.Fatalf("FromDocument: %v", err)
	}
	metrics, relayoutMetrics := collectors(t)
	s := New(src, Headless(true), WithMetrics(metrics), WithRelayoutMetrics(relayoutMetrics))
	before := fixture.Capture(src)

	res, err := s.Run(ctx, flow.Command{
		Kind: flow.CmdChangeNode,
		Node: linkops.ChangeNodeRequest{LinkIDs: []string{"L1"}, NewNodeID: "N", End: model.EndSource, PreferredPad: propagate.AnyPad},
	}, &flow.AutoUI{ConfirmAll: true, CancelAfter: 1})
	if err != nil || res.Final != flow.TagAccept {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if got := testutil.ToFloat64(metrics.DocumentCrudeDrops); got != 1 {
		t.Fatalf("crude drops gauge = %v, want 1", got)
	}
	crude := fixture.Capture(src)

	routing, err := s.Relayout(ctx, nil)
	if err != nil {
		t.Fatalf("Relayout: %v", err)
	}
	if routing.Routed != 1 || !routing.Complete() {
		t.Fatalf("routing = %+v, want the remaining link routed", routing)
	}
	if got := testutil.ToFloat64(metrics.DocumentCrudeDrops); got != 0 {
		t.Fatalf("crude drops gauge = %v, want 0", got)
	}
	if h := s.Ledger().History(); len(h) != 2 || h[1].Name != "relayout" {
		t.Fatalf("history = %+v, want the gesture then the relayout", h)
	}

	again, err := s.Relayout(ctx, nil)
	if err != nil || again.Requested != 0 {
		t.Fatalf("second Relayout = %+v, %v, want nothing to do", again, err)
	}
	routed := fixture.Capture(src)

	// Step back through the relayout and the gesture, then forward again.
	steps := []struct {
		name string
		do   func(context.Context) (*undo.Transaction, error)
		want fixture.Snapshot
	}{
		{"undo relayout", s.Undo, crude},
		{"undo gesture", s.Undo, before},
		{"redo gesture", s.Redo, crude},
		{"redo relayout", s.Redo, routed},
	}
	for _, step := range steps {
		if _, err := step.do(ctx); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got := fixture.Capture(src); !reflect.DeepEqual(got, step.want) {
			t.Fatalf("%s:\n got %+v\nwant %+v", step.name, got, step.want)
		}
	}
	if got := testutil.ToFloat64(metrics.DocumentCrudeDrops); got != 0 {
		t.Fatalf("crude drops gauge after redo = %v, want 0", got)
	}
}
