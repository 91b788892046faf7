package flow

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/ambiguity"
	"github.com/signalsfoundry/grn-tapestry/internal/linkops"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/internal/observability"
	"github.com/signalsfoundry/grn-tapestry/internal/propagate"
	"github.com/signalsfoundry/grn-tapestry/internal/reconcile"
	"github.com/signalsfoundry/grn-tapestry/internal/relayout"
	"github.com/signalsfoundry/grn-tapestry/internal/undo"
	"github.com/signalsfoundry/grn-tapestry/internal/worker"
)

// ErrStalled reports a state machine that neither moved nor asked for work.
var ErrStalled = errors.New("flow: command stalled")

// maxSteps bounds one command run.
const maxSteps = 64

// Result is the final report of one command.
type Result struct {
	Command     Command
	Final       Tag
	Reason      string
	Outcome     *linkops.Outcome
	Routing     *relayout.RoutingResult
	Transaction *undo.Transaction
}

// Driver executes command state machines.
type Driver struct {
	links    *linkops.LinkSupport
	ledger   *undo.Ledger
	relayout *relayout.Runner
	runner   *worker.Runner
	metrics  *observability.RelocationCollector
	log      logging.Logger
	tracer   trace.Tracer
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

func WithMetrics(m *observability.RelocationCollector) DriverOption {
	return func(d *Driver) { d.metrics = m }
}

func WithLogger(log logging.Logger) DriverOption {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

func WithTracer(t trace.Tracer) DriverOption {
	return func(d *Driver) {
		if t != nil {
			d.tracer = t
		}
	}
}

// NewDriver wires a Driver. A nil runner runs relayout headless.
func NewDriver(links *linkops.LinkSupport, ledger *undo.Ledger, rl *relayout.Runner, runner *worker.Runner, opts ...DriverOption) *Driver {
	if runner == nil {
		runner = worker.NewRunner(worker.Headless(true))
	}
	d := &Driver{
		links:    links,
		ledger:   ledger,
		relayout: rl,
		runner:   runner,
		log:      logging.Noop(),
		tracer:   observability.Tracer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives cmd to a terminal state. Every edit of the gesture lands in one
// undo transaction, committed on Accept and abandoned otherwise. Errors are
// invariant violations or UI failures; the gesture is abandoned first.
func (d *Driver) Run(ctx context.Context, cmd Command, ui UI) (*Result, error) {
	ctx, log := logging.WithGestureLogger(ctx, d.log)
	ctx, span := observability.StartStage(ctx, d.tracer, observability.StageGesture,
		observability.AttrCommand.String(cmd.Kind.String()),
		observability.AttrModel.String(cmd.ModelID),
	)
	defer span.End()

	sup := d.ledger.NewSupport(ctx, cmd.Kind.String())
	res := &Result{Command: cmd}
	state := Start(cmd)
	ev := Event{Kind: EvContinue}

	for step := 0; ; step++ {
		if step >= maxSteps {
			return d.abort(ctx, span, sup, res, fmt.Errorf("%w: step limit in %s", ErrStalled, state.Tag))
		}
		prev := state.Tag
		var effects []Effect
		state, effects = Next(d.links, state, ev)
		log.Debug(ctx, "flow transition",
			logging.String("from", prev.String()),
			logging.String("to", state.Tag.String()),
			logging.Int("effects", len(effects)),
		)

		next := Event{Kind: EvContinue}
		produced := false
		for _, eff := range effects {
			out, ok, err := d.execute(ctx, sup, state, eff, ui, res)
			if err != nil {
				return d.abort(ctx, span, sup, res, err)
			}
			if ok {
				next, produced = out, true
			}
		}

		if state.Tag.Terminal() {
			break
		}
		if !produced && len(effects) == 0 && prev == state.Tag && ev.Kind == EvContinue {
			return d.abort(ctx, span, sup, res, fmt.Errorf("%w: in %s", ErrStalled, state.Tag))
		}
		ev = next
	}

	res.Final, res.Reason = state.Tag, state.Reason
	if state.Tag != TagAccept {
		if err := sup.Abandon(ctx); err != nil {
			log.Warn(ctx, "abandon failed", logging.Err(err))
		}
	}
	d.metrics.RecordRelocation(cmd.Kind.String(), state.Tag.String())
	d.updateDocumentGauges()
	span.SetAttributes(observability.AttrOutcome.String(state.Tag.String()))
	log.Info(ctx, "command finished",
		logging.String("command", cmd.Kind.String()),
		logging.String("outcome", state.Tag.String()),
		logging.String("reason", state.Reason),
	)
	return res, nil
}

func (d *Driver) abort(ctx context.Context, span trace.Span, sup *undo.Support, res *Result, err error) (*Result, error) {
	if aerr := sup.Abandon(ctx); aerr != nil {
		err = errors.Join(err, aerr)
	}
	observability.FailStage(span, err)
	d.metrics.RecordRelocation(res.Command.Kind.String(), "error")
	res.Final = TagReject
	res.Reason = err.Error()
	logging.FromContextOr(ctx, d.log).Error(ctx, "command aborted", logging.Err(err))
	return res, err
}

// execute performs one effect and returns the event it produced, if any.
func (d *Driver) execute(ctx context.Context, sup *undo.Support, s State, eff Effect, ui UI, res *Result) (Event, bool, error) {
	res.Final, res.Reason = s.Tag, s.Reason

	switch eff.Kind {
	case AskConfirm:
		ok, err := ui.Confirm(ctx, eff.Confirm, s.Cmd)
		if err != nil {
			return Event{}, false, err
		}
		if ok {
			return Event{Kind: EvConfirmed}, true, nil
		}
		return Event{Kind: EvDeclined}, true, nil

	case AskReview:
		resolution, ok, err := ui.Review(ctx, d.reviewRequest(s))
		if err != nil {
			return Event{}, false, err
		}
		if !ok {
			return Event{Kind: EvDeclined}, true, nil
		}
		return Event{Kind: EvReviewed, Resolution: resolution}, true, nil

	case Apply:
		return d.apply(ctx, sup, s, res)

	case RunRelayout:
		routing, err := d.runRelayout(ctx, sup, eff, ui)
		if err != nil && !errors.Is(err, worker.ErrAsyncExit) {
			return Event{}, false, err
		}
		res.Routing = &routing
		return Event{Kind: EvRelayoutDone, Routing: routing, Cancelled: err != nil}, true, nil

	case Finish:
		tx, err := sup.Finish(ctx)
		if err != nil {
			return Event{}, false, err
		}
		res.Transaction = tx
		return Event{Kind: EvFinished}, true, nil

	case Report:
		ui.Report(ctx, res)
		return Event{}, false, nil
	}
	return Event{}, false, fmt.Errorf("%w: unknown effect %d", linkops.ErrIllegalState, eff.Kind)
}

func (d *Driver) apply(ctx context.Context, sup *undo.Support, s State, res *Result) (Event, bool, error) {
	cmd := s.Cmd
	var (
		ok  bool
		err error
	)
	switch cmd.Kind {
	case CmdChangeNode:
		out, cerr := d.links.ChangeNode(ctx, sup, cmd.Node)
		if cerr != nil {
			if isInputError(cerr) {
				return Event{Kind: EvRejected}, true, nil
			}
			return Event{}, false, cerr
		}
		res.Outcome = out
		return Event{Kind: EvApplied, Requests: out.Requests}, true, nil
	case CmdChangePad:
		ok, err = d.links.ChangePad(ctx, sup, cmd.ModelID, cmd.LinkID, cmd.End, cmd.Pad)
	case CmdSwapPads:
		ok, err = d.links.SwapLinkPads(ctx, sup, cmd.ModelID, cmd.LinkID, cmd.End, cmd.OtherLinkID, cmd.OtherEnd)
	case CmdRelocateSeg:
		ok, err = d.links.RelocateSegment(ctx, sup, cmd.ModelID, cmd.TreeID, cmd.Item, cmd.NewParent)
	default:
		return Event{}, false, fmt.Errorf("%w: command %d", linkops.ErrIllegalState, cmd.Kind)
	}
	if err != nil {
		return Event{}, false, err
	}
	if !ok {
		return Event{Kind: EvRejected}, true, nil
	}
	return Event{Kind: EvApplied}, true, nil
}

func (d *Driver) runRelayout(ctx context.Context, sup *undo.Support, eff Effect, ui UI) (relayout.RoutingResult, error) {
	if d.relayout == nil {
		return relayout.RoutingResult{Pending: len(eff.Requests)}, nil
	}
	task := func(ctx context.Context, p worker.Progress) (relayout.RoutingResult, error) {
		gate := worker.ProgressFunc(func(fraction float64) bool {
			return p.Update(fraction) && ui.Progress(ctx, fraction)
		})
		return d.relayout.Run(ctx, sup, eff.Requests, gate)
	}
	f := worker.Submit(ctx, d.runner, "relayout", task)
	return f.Wait()
}

func (d *Driver) reviewRequest(s State) ReviewRequest {
	req := ReviewRequest{
		Command:    s.Cmd,
		Assessment: s.Assessment,
		Seed:       s.Assessment.QuickKill.PerInstance,
		Unresolved: make(map[string][]string),
	}
	for _, g := range d.links.Document().TopLevelInstances() {
		for _, linkID := range ambiguity.Affected(g, s.Cmd.Node.LinkIDs) {
			if _, ok := req.Seed.Target(g.ID, linkID); !ok {
				req.Unresolved[g.ID] = append(req.Unresolved[g.ID], linkID)
			}
		}
	}
	return req
}

// isInputError reports errors that mean the pick did not name a valid
// change, which rejects the command instead of failing it.
func isInputError(err error) bool {
	for _, target := range []error{
		propagate.ErrNoLinks,
		propagate.ErrUnknownLink,
		propagate.ErrUnknownNode,
		propagate.ErrMixedSources,
		propagate.ErrNoChange,
		propagate.ErrResolutionRequired,
		core.ErrBadInput,
		reconcile.ErrLinksNotDrawn,
		reconcile.ErrNotOneTree,
		reconcile.ErrSegmentUnknown,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (d *Driver) updateDocumentGauges() {
	if d.metrics == nil {
		return
	}
	c := d.links.Document().Counts()
	d.metrics.SetDocumentCounts(c.Models, c.Links, c.Trees, c.CrudeDrops)
}
