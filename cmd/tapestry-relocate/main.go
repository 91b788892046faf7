package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/fixture"
	"github.com/signalsfoundry/grn-tapestry/internal/flow"
	"github.com/signalsfoundry/grn-tapestry/internal/journal"
	"github.com/signalsfoundry/grn-tapestry/internal/linkops"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/internal/observability"
	"github.com/signalsfoundry/grn-tapestry/internal/propagate"
	"github.com/signalsfoundry/grn-tapestry/internal/relayout"
	"github.com/signalsfoundry/grn-tapestry/internal/session"
	"github.com/signalsfoundry/grn-tapestry/kb"
	"github.com/signalsfoundry/grn-tapestry/model"
)

// Config collects the command-line settings of one run.
type Config struct {
	DocumentPath string
	Command      string
	Model        string

	Links      string
	Node       string
	ThroughSeg string

	Link      string
	End       string
	Pad       int
	OtherLink string
	OtherEnd  string

	Tree   string
	Item   string
	Parent string

	Confirm     bool
	CancelAfter int
	Undo        bool
	Relayout    bool

	JournalPath    string
	MetricsAddress string
	LogLevel       string
	LogFormat      string
	Grid           float64
	MaxBends       int
}

func parseFlags(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("tapestry-relocate", flag.ContinueOnError)
	fs.StringVar(&cfg.DocumentPath, "doc", "", "JSON document to edit (default: built-in demo document)")
	fs.StringVar(&cfg.Command, "cmd", "change-source", "command: change-source, change-target, change-pad, swap-pads, relocate-segment")
	fs.StringVar(&cfg.Model, "model", "root", "model edited by pad and segment commands")
	fs.StringVar(&cfg.Links, "links", "", "comma-separated root link IDs for node changes")
	fs.StringVar(&cfg.Node, "node", "", "root node ID the links move to")
	fs.StringVar(&cfg.ThroughSeg, "through-seg", "", "segment the pick went through")
	fs.StringVar(&cfg.Link, "link", "", "link ID for pad commands")
	fs.StringVar(&cfg.End, "end", "target", "link end for pad commands: source or target")
	fs.IntVar(&cfg.Pad, "pad", propagate.AnyPad, "pad number (change-pad) or preferred pad (node changes)")
	fs.StringVar(&cfg.OtherLink, "other-link", "", "second link ID for swap-pads")
	fs.StringVar(&cfg.OtherEnd, "other-end", "target", "second link end for swap-pads")
	fs.StringVar(&cfg.Tree, "tree", "", "tree (source node) for relocate-segment")
	fs.StringVar(&cfg.Item, "item", "", "segment ID or link ID to relocate")
	fs.StringVar(&cfg.Parent, "parent", "", "new parent segment (empty for the tree root)")
	fs.BoolVar(&cfg.Confirm, "yes", true, "answer yes to every confirmation")
	fs.IntVar(&cfg.CancelAfter, "cancel-after", 0, "cancel the relayout after this many progress reports (0 never)")
	fs.BoolVar(&cfg.Undo, "undo", false, "undo the command after reporting it")
	fs.BoolVar(&cfg.Relayout, "relayout", false, "route links still waiting for relayout after the command")
	fs.StringVar(&cfg.JournalPath, "journal", "", "SQLite journal path (empty disables the journal)")
	fs.StringVar(&cfg.MetricsAddress, "metrics-addr", "", "HTTP address for Prometheus /metrics; keeps serving until interrupted")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text or json")
	fs.Float64Var(&cfg.Grid, "grid", relayout.DefaultConfig().Grid, "relayout grid spacing")
	fs.IntVar(&cfg.MaxBends, "max-bends", relayout.DefaultConfig().MaxBends, "relayout corners per link")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx := context.Background()

	traceCfg := observability.TraceConfigFromEnv()
	traceCfg.Document = cfg.DocumentPath
	shutdown, err := observability.InitTracing(ctx, traceCfg, log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}
	defer observability.FlushTracing(ctx, shutdown, log)

	reg := prometheus.NewRegistry()
	if err := run(ctx, cfg, log, reg, os.Stdout); err != nil {
		log.Error(ctx, "relocation failed", logging.Err(err))
		os.Exit(1)
	}

	if cfg.MetricsAddress == "" {
		return
	}
	collector, err := observability.NewRelocationCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	srv := serveMetrics(cfg.MetricsAddress, collector, log)
	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// run loads the document, drives one command headless and writes the
// report to out.
func run(ctx context.Context, cfg Config, log logging.Logger, reg prometheus.Registerer, out io.Writer) error {
	cmd, err := buildCommand(cfg)
	if err != nil {
		return err
	}
	doc, err := loadDocument(cfg.DocumentPath)
	if err != nil {
		return err
	}

	metrics, err := observability.NewRelocationCollector(reg)
	if err != nil {
		return err
	}
	relayoutMetrics, err := observability.NewRelayoutCollector(reg)
	if err != nil {
		return err
	}

	rcfg := relayout.DefaultConfig()
	rcfg.Grid, rcfg.MaxBends = cfg.Grid, cfg.MaxBends
	opts := []session.Option{
		session.Headless(true),
		session.WithLogger(log),
		session.WithMetrics(metrics),
		session.WithRelayoutMetrics(relayoutMetrics),
		session.WithRelayoutConfig(rcfg),
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(ctx, cfg.JournalPath, journal.WithLogger(log))
		if err != nil {
			return err
		}
		opts = append(opts, session.WithJournal(j))
	}
	s := session.New(doc, opts...)
	defer s.Close()

	ui := &flow.AutoUI{ConfirmAll: cfg.Confirm, DeleteUnresolved: cfg.Confirm, CancelAfter: cfg.CancelAfter}
	res, err := s.Run(ctx, cmd, ui)
	if err != nil {
		return err
	}
	writeReport(out, res)

	if cfg.Relayout {
		routing, err := s.Relayout(ctx, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "relayout: routed=%d failed=%d pending=%d\n", routing.Routed, routing.Failed, routing.Pending)
	}

	if cfg.Undo && res.Transaction != nil {
		tx, err := s.Undo(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "undone: %s (%d entries)\n", tx.Name, len(tx.Entries))
	}
	return nil
}

func buildCommand(cfg Config) (flow.Command, error) {
	end, err := parseEnd(cfg.End)
	if err != nil {
		return flow.Command{}, err
	}
	switch cfg.Command {
	case "change-source", "change-target":
		links := splitList(cfg.Links)
		if len(links) == 0 || cfg.Node == "" {
			return flow.Command{}, fmt.Errorf("%s needs -links and -node", cfg.Command)
		}
		nodeEnd := model.EndSource
		if cfg.Command == "change-target" {
			nodeEnd = model.EndTarget
		}
		return flow.Command{
			Kind:    flow.CmdChangeNode,
			ModelID: "root",
			Node: linkops.ChangeNodeRequest{
				LinkIDs:      links,
				NewNodeID:    cfg.Node,
				End:          nodeEnd,
				PreferredPad: cfg.Pad,
				ThroughSeg:   cfg.ThroughSeg,
			},
		}, nil
	case "change-pad":
		if cfg.Link == "" || cfg.Pad < 0 {
			return flow.Command{}, errors.New("change-pad needs -link and -pad")
		}
		return flow.Command{Kind: flow.CmdChangePad, ModelID: cfg.Model, LinkID: cfg.Link, End: end, Pad: cfg.Pad}, nil
	case "swap-pads":
		other, err := parseEnd(cfg.OtherEnd)
		if err != nil {
			return flow.Command{}, err
		}
		if cfg.Link == "" || cfg.OtherLink == "" {
			return flow.Command{}, errors.New("swap-pads needs -link and -other-link")
		}
		return flow.Command{
			Kind: flow.CmdSwapPads, ModelID: cfg.Model,
			LinkID: cfg.Link, End: end,
			OtherLinkID: cfg.OtherLink, OtherEnd: other,
		}, nil
	case "relocate-segment":
		if cfg.Tree == "" || cfg.Item == "" {
			return flow.Command{}, errors.New("relocate-segment needs -tree and -item")
		}
		return flow.Command{Kind: flow.CmdRelocateSeg, ModelID: cfg.Model, TreeID: cfg.Tree, Item: cfg.Item, NewParent: cfg.Parent}, nil
	}
	return flow.Command{}, fmt.Errorf("unknown command %q", cfg.Command)
}

func parseEnd(s string) (model.LinkEnd, error) {
	switch strings.ToLower(s) {
	case "source":
		return model.EndSource, nil
	case "target", "":
		return model.EndTarget, nil
	}
	return 0, fmt.Errorf("unknown link end %q", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadDocument(path string) (*kb.Source, error) {
	if path == "" {
		return fixture.Gred()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document %q: %w", path, err)
	}
	defer f.Close()

	doc, err := core.LoadDocument(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %q: %w", path, err)
	}
	return kb.FromDocument(doc)
}

func writeReport(out io.Writer, res *flow.Result) {
	fmt.Fprintf(out, "%s: %s", res.Command.Kind, res.Final)
	if res.Reason != "" {
		fmt.Fprintf(out, " (%s)", res.Reason)
	}
	fmt.Fprintln(out)

	if o := res.Outcome; o != nil {
		fmt.Fprintf(out, "mode: %s quick-kill=%v\n", o.Mode, o.QuickKill)
		if p := o.Propagation; p != nil {
			fmt.Fprintf(out, "links changed=%d deleted=%d\n", p.TotalChanged(), p.TotalDeleted())
			models := make([]string, 0, len(p.Changed))
			for id := range p.Changed {
				models = append(models, id)
			}
			sort.Strings(models)
			for _, id := range models {
				fmt.Fprintf(out, "  %-8s %s\n", id, strings.Join(p.Changed[id], " "))
			}
		}
	}
	if r := res.Routing; r != nil {
		fmt.Fprintf(out, "routing: requested=%d routed=%d failed=%d cancelled=%d pending=%d\n",
			r.Requested, r.Routed, r.Failed, r.Cancelled, r.Pending)
	}
	if res.Transaction != nil {
		fmt.Fprintf(out, "transaction %d: %d entries\n", res.Transaction.ID, len(res.Transaction.Entries))
	}
}

func serveMetrics(addr string, collector *observability.RelocationCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
