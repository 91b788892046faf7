package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/grn-tapestry/internal/fixture"
	"github.com/signalsfoundry/grn-tapestry/internal/flow"
	"github.com/signalsfoundry/grn-tapestry/internal/journal"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/model"
)

func quietLogger() logging.Logger {
	return logging.New(logging.Config{Level: "error", Format: "text", Output: io.Discard})
}

func TestRelocateGredSmoke(t *testing.T) {
	ctx := context.Background()
	docPath := filepath.Join(t.TempDir(), "gred.json")
	if err := os.WriteFile(docPath, fixture.GredJSON(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	journalPath := filepath.Join(t.TempDir(), "journal.db")

	cfg, err := parseFlags([]string{
		"-doc", docPath,
		"-cmd", "change-source",
		"-links", "L1, L2",
		"-node", "N",
		"-through-seg", "s1",
		"-journal", journalPath,
		"-undo",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}

	var out bytes.Buffer
	if err := run(ctx, cfg, quietLogger(), prometheus.NewRegistry(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	report := out.String()
	for _, want := range []string{"change_node: accept", "transaction ", "undone: change_node"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}

	j, err := journal.Open(ctx, journalPath)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()
	recs, err := j.Recent(ctx, 0)
	if err != nil || len(recs) != 2 {
		t.Fatalf("journal rows = %+v, %v; want commit and undo", recs, err)
	}
}

func TestRelocateRejectedSwap(t *testing.T) {
	cfg, err := parseFlags([]string{"-cmd", "swap-pads", "-link", "L1", "-other-link", "L4"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), cfg, quietLogger(), prometheus.NewRegistry(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "swap_pads: reject") {
		t.Fatalf("report = %q, want a rejected swap", out.String())
	}
}

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, cmd flow.Command)
	}{
		{
			name: "change target",
			args: []string{"-cmd", "change-target", "-links", "L1", "-node", "T2"},
			check: func(t *testing.T, cmd flow.Command) {
				if cmd.Kind != flow.CmdChangeNode || cmd.Node.End != model.EndTarget || cmd.Node.NewNodeID != "T2" {
					t.Fatalf("cmd = %+v", cmd)
				}
			},
		},
		{
			name: "change pad",
			args: []string{"-cmd", "change-pad", "-model", "I", "-link", "L1:0", "-end", "source", "-pad", "2"},
			check: func(t *testing.T, cmd flow.Command) {
				if cmd.Kind != flow.CmdChangePad || cmd.ModelID != "I" || cmd.End != model.EndSource || cmd.Pad != 2 {
					t.Fatalf("cmd = %+v", cmd)
				}
			},
		},
		{
			name: "relocate segment",
			args: []string{"-cmd", "relocate-segment", "-tree", "S", "-item", "L2"},
			check: func(t *testing.T, cmd flow.Command) {
				if cmd.Kind != flow.CmdRelocateSeg || cmd.TreeID != "S" || cmd.Item != "L2" || cmd.NewParent != "" {
					t.Fatalf("cmd = %+v", cmd)
				}
			},
		},
		{name: "node change without links", args: []string{"-cmd", "change-source", "-node", "N"}, wantErr: true},
		{name: "change pad without pad", args: []string{"-cmd", "change-pad", "-link", "L1"}, wantErr: true},
		{name: "bad end", args: []string{"-cmd", "change-pad", "-link", "L1", "-pad", "1", "-end", "middle"}, wantErr: true},
		{name: "unknown command", args: []string{"-cmd", "explode"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := parseFlags(tc.args)
			if err != nil {
				t.Fatalf("parseFlags: %v", err)
			}
			cmd, err := buildCommand(cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got %+v", cmd)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildCommand: %v", err)
			}
			tc.check(t, cmd)
		})
	}
}
