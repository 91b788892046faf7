// Package relayout routes the links left as crude drops by a node change.
// Routes are orthogonal: a drop leaves its attach point horizontally, turns
// on a grid-snapped column and enters its landing pad horizontally.
package relayout

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/internal/observability"
	"github.com/signalsfoundry/grn-tapestry/internal/propagate"
	"github.com/signalsfoundry/grn-tapestry/internal/reconcile"
	"github.com/signalsfoundry/grn-tapestry/internal/worker"
	"github.com/signalsfoundry/grn-tapestry/kb"
)

// Config tunes the relayout pass.
type Config struct {
	// Grid is the spacing the turning column snaps to.
	Grid float64
	// ProgressStride is how many links are routed between progress reports.
	ProgressStride int
	// MaxBends caps the corners of one drop: 1 or 2.
	MaxBends int
}

// DefaultConfig returns the settings used by the editor.
func DefaultConfig() Config {
	return Config{Grid: 10, ProgressStride: 1, MaxBends: 2}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Grid <= 0 {
		c.Grid = def.Grid
	}
	if c.ProgressStride <= 0 {
		c.ProgressStride = def.ProgressStride
	}
	if c.MaxBends <= 0 {
		c.MaxBends = def.MaxBends
	}
}

// RoutingResult summarises one relayout pass.
type RoutingResult struct {
	Requested int
	Routed    int
	Failed    int
	Cancelled int
	Pending   int

	FailedLinks []string
	// Unfinished holds the links the pass never reached.
	Unfinished []reconcile.GlobalLinkRequest
}

// Complete reports whether every requested link was routed.
func (r RoutingResult) Complete() bool {
	return r.Routed == r.Requested
}

// Runner performs relayout passes over one document.
type Runner struct {
	doc     *kb.Source
	cfg     Config
	metrics *observability.RelayoutCollector
	log     logging.Logger
	tracer  trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

func WithConfig(cfg Config) Option {
	return func(r *Runner) {
		cfg.ApplyDefaults()
		r.cfg = cfg
	}
}

func WithMetrics(m *observability.RelayoutCollector) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithLogger(log logging.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// NewRunner constructs a Runner.
func NewRunner(doc *kb.Source, opts ...Option) *Runner {
	r := &Runner{
		doc:    doc,
		cfg:    DefaultConfig(),
		log:    logging.Noop(),
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Task wraps Run for submission to a worker.Runner.
func (r *Runner) Task(rec propagate.Recorder, requests []reconcile.GlobalLinkRequest) worker.Func[RoutingResult] {
	return func(ctx context.Context, p worker.Progress) (RoutingResult, error) {
		return r.Run(ctx, rec, requests, p)
	}
}

// Run routes every bad link of the requests. When p reports cancellation or
// ctx is done the pass stops, keeps the routes already applied and returns
// the partial result with worker.ErrAsyncExit.
func (r *Runner) Run(ctx context.Context, rec propagate.Recorder, requests []reconcile.GlobalLinkRequest, p worker.Progress) (RoutingResult, error) {
	start := time.Now()
	ctx, span := observability.StartStage(ctx, r.tracer, observability.StageRelayout)
	defer span.End()

	var res RoutingResult
	for _, req := range requests {
		res.Requested += len(req.BadLinks)
	}
	span.SetAttributes(attribute.Int("tapestry.requested", res.Requested))

	done := 0
	var runErr error
outer:
	for qi, req := range requests {
		lo := r.doc.LayoutFor(req.ModelID)
		for li, linkID := range req.BadLinks {
			if done%r.cfg.ProgressStride == 0 && !keepGoing(ctx, p, done, res.Requested) {
				res.Unfinished = unfinished(requests, qi, li)
				for _, u := range res.Unfinished {
					res.Cancelled += len(u.BadLinks)
				}
				runErr = fmt.Errorf("%w: relayout stopped after %d of %d links", worker.ErrAsyncExit, done, res.Requested)
				break outer
			}
			if err := r.routeOne(rec, lo, linkID); err != nil {
				res.Failed++
				res.FailedLinks = append(res.FailedLinks, linkID)
				r.log.Debug(ctx, "link not routed",
					logging.String("model", req.ModelID),
					logging.String("link", linkID),
					logging.Err(err),
				)
			} else {
				res.Routed++
			}
			done++
		}
	}
	if runErr == nil && p != nil {
		p.Update(1)
	}

	res.Pending = pendingCount(r.doc)
	r.metrics.ObserveRelayout(time.Since(start), res.Routed, res.Failed, res.Cancelled, res.Pending)
	span.SetAttributes(
		attribute.Int("tapestry.routed", res.Routed),
		attribute.Int("tapestry.failed", res.Failed),
		attribute.Int("tapestry.cancelled", res.Cancelled),
	)
	r.log.Info(ctx, "relayout finished",
		logging.Int("requested", res.Requested),
		logging.Int("routed", res.Routed),
		logging.Int("failed", res.Failed),
		logging.Int("cancelled", res.Cancelled),
		logging.Int("pending", res.Pending),
	)
	return res, runErr
}

func keepGoing(ctx context.Context, p worker.Progress, done, total int) bool {
	if ctx.Err() != nil {
		return false
	}
	if p == nil {
		return true
	}
	frac := 0.0
	if total > 0 {
		frac = float64(done) / float64(total)
	}
	return p.Update(frac)
}

func unfinished(requests []reconcile.GlobalLinkRequest, qi, li int) []reconcile.GlobalLinkRequest {
	var out []reconcile.GlobalLinkRequest
	first := requests[qi]
	out = append(out, reconcile.GlobalLinkRequest{
		ModelID:  first.ModelID,
		BadLinks: append([]string(nil), first.BadLinks[li:]...),
	})
	for _, req := range requests[qi+1:] {
		out = append(out, reconcile.GlobalLinkRequest{
			ModelID:  req.ModelID,
			BadLinks: append([]string(nil), req.BadLinks...),
		})
	}
	return out
}

func (r *Runner) routeOne(rec propagate.Recorder, lo *core.Layout, linkID string) error {
	if lo == nil {
		return reconcile.ErrNoLayout
	}
	bp := lo.LinkProperties(linkID)
	if bp == nil {
		return fmt.Errorf("%w: %q", core.ErrNoLinkProperties, linkID)
	}
	drop := bp.Drops[linkID]
	props, err := lo.RouteDrop(linkID, Route(bp.AttachPoint(drop.Attach), drop.End, r.cfg))
	if err != nil {
		return err
	}
	rec.AddPropChanges(props)
	return nil
}

// Route returns the interior corners of an orthogonal path from start to
// end. Aligned endpoints need no corners.
func Route(start, end core.Point, cfg Config) []core.Point {
	cfg.ApplyDefaults()
	const eps = 1e-9
	if math.Abs(start.X-end.X) < eps || math.Abs(start.Y-end.Y) < eps {
		return nil
	}
	if cfg.MaxBends == 1 {
		return []core.Point{{X: end.X, Y: start.Y}}
	}
	col := core.SnapToGrid(core.Point{X: (start.X + end.X) / 2}, cfg.Grid).X
	if col <= math.Min(start.X, end.X) || col >= math.Max(start.X, end.X) {
		col = (start.X + end.X) / 2
	}
	return []core.Point{{X: col, Y: start.Y}, {X: col, Y: end.Y}}
}

// PendingRequests rebuilds relayout requests for every drop still crude in
// the root and top-level instance layouts.
func PendingRequests(doc *kb.Source) []reconcile.GlobalLinkRequest {
	var out []reconcile.GlobalLinkRequest
	models := append([]string{doc.Root().ID}, topLevelIDs(doc)...)
	for _, id := range models {
		lo := doc.LayoutFor(id)
		if lo == nil {
			continue
		}
		if crude := lo.CrudeLinkIDs(); len(crude) > 0 {
			out = append(out, reconcile.GlobalLinkRequest{ModelID: id, BadLinks: crude})
		}
	}
	return out
}

func pendingCount(doc *kb.Source) int {
	n := 0
	for _, req := range PendingRequests(doc) {
		n += len(req.BadLinks)
	}
	return n
}

func topLevelIDs(doc *kb.Source) []string {
	var out []string
	for _, g := range doc.TopLevelInstances() {
		out = append(out, g.ID)
	}
	return out
}
