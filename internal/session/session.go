// Package session holds everything one editing session needs: the document,
// its undo ledger, the command driver and the ambient logger, metrics,
// tracer and worker runner. It replaces process-wide application state with
// one explicit value passed to whoever drives commands.
package session

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/grn-tapestry/internal/flow"
	"github.com/signalsfoundry/grn-tapestry/internal/journal"
	"github.com/signalsfoundry/grn-tapestry/internal/linkops"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
	"github.com/signalsfoundry/grn-tapestry/internal/observability"
	"github.com/signalsfoundry/grn-tapestry/internal/relayout"
	"github.com/signalsfoundry/grn-tapestry/internal/undo"
	"github.com/signalsfoundry/grn-tapestry/internal/worker"
	"github.com/signalsfoundry/grn-tapestry/kb"
)

// Re-export ledger sentinels so callers can depend on session.* alone.
var (
	// ErrNothingToUndo indicates the undo stack is empty.
	ErrNothingToUndo = undo.ErrNothingToUndo
	// ErrNothingToRedo indicates the redo stack is empty.
	ErrNothingToRedo = undo.ErrNothingToRedo
)

// Session coordinates one document and the services that edit it.
type Session struct {
	// mu serialises gestures: a command, an undo or an explicit relayout
	// runs to completion before the next one starts.
	mu sync.Mutex

	doc    *kb.Source
	ledger *undo.Ledger

	log             logging.Logger
	metrics         *observability.RelocationCollector
	relayoutMetrics *observability.RelayoutCollector
	tracer          trace.Tracer
	runner          *worker.Runner
	journal         *journal.Journal
	relayoutCfg     relayout.Config
	undoLimit       int
	headless        bool

	links    *linkops.LinkSupport
	relayout *relayout.Runner
	driver   *flow.Driver
}

// Option customises Session construction.
type Option func(*Session)

// WithLogger sets the session logger, shared by every component.
func WithLogger(log logging.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches the relocation collector.
func WithMetrics(m *observability.RelocationCollector) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRelayoutMetrics attaches the relayout collector.
func WithRelayoutMetrics(m *observability.RelayoutCollector) Option {
	return func(s *Session) { s.relayoutMetrics = m }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithJournal records every ledger operation in j.
func WithJournal(j *journal.Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithRelayoutConfig overrides the relayout configuration.
func WithRelayoutConfig(cfg relayout.Config) Option {
	return func(s *Session) { s.relayoutCfg = cfg }
}

// WithUndoLimit bounds the undo history.
func WithUndoLimit(n int) Option {
	return func(s *Session) { s.undoLimit = n }
}

// Headless runs background tasks synchronously on the calling goroutine.
func Headless(on bool) Option {
	return func(s *Session) { s.headless = on }
}

// New wires a session around doc.
func New(doc *kb.Source, opts ...Option) *Session {
	s := &Session{
		doc:         doc,
		log:         logging.Noop(),
		tracer:      observability.Tracer(),
		relayoutCfg: relayout.DefaultConfig(),
		undoLimit:   undo.DefaultLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	ledgerOpts := []undo.Option{undo.WithLogger(s.log), undo.WithLimit(s.undoLimit)}
	if s.journal != nil {
		ledgerOpts = append(ledgerOpts, undo.WithObserver(s.journal.Observer()))
	}
	s.ledger = undo.NewLedger(doc, ledgerOpts...)

	s.runner = worker.NewRunner(worker.Headless(s.headless), worker.WithLogger(s.log))
	s.links = linkops.New(doc,
		linkops.WithLogger(s.log),
		linkops.WithTracer(s.tracer),
		linkops.WithMetrics(s.metrics),
	)
	s.relayout = relayout.NewRunner(doc,
		relayout.WithConfig(s.relayoutCfg),
		relayout.WithMetrics(s.relayoutMetrics),
		relayout.WithLogger(s.log),
		relayout.WithTracer(s.tracer),
	)
	s.driver = flow.NewDriver(s.links, s.ledger, s.relayout, s.runner,
		flow.WithMetrics(s.metrics),
		flow.WithLogger(s.log),
		flow.WithTracer(s.tracer),
	)
	s.updateGauges()
	return s
}

// Document exposes the edited document.
func (s *Session) Document() *kb.Source { return s.doc }

// Ledger exposes the undo history.
func (s *Session) Ledger() *undo.Ledger { return s.ledger }

// Links exposes the link operations bound to the document.
func (s *Session) Links() *linkops.LinkSupport { return s.links }

// IsHeadless reports whether background work runs synchronously.
func (s *Session) IsHeadless() bool { return s.headless }

// Run drives one command to completion.
func (s *Session) Run(ctx context.Context, cmd flow.Command, ui flow.UI) (*flow.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver.Run(ctx, cmd, ui)
}

// Undo reverts the most recent transaction.
func (s *Session) Undo(ctx context.Context) (*undo.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.ledger.Undo(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordUndo(string(undo.DirectionUndo))
	s.updateGauges()
	return tx, nil
}

// Redo re-applies the most recently undone transaction.
func (s *Session) Redo(ctx context.Context) (*undo.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.ledger.Redo(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordUndo(string(undo.DirectionRedo))
	s.updateGauges()
	return tx, nil
}

// Relayout routes every crude link still waiting in the document as one
// undoable gesture. A cancelled pass keeps what it routed and returns the
// partial result with worker.ErrAsyncExit.
func (s *Session) Relayout(ctx context.Context, p worker.Progress) (relayout.RoutingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, log := logging.WithGestureLogger(ctx, s.log)
	requests := relayout.PendingRequests(s.doc)
	if len(requests) == 0 {
		return relayout.RoutingResult{}, nil
	}

	sup := s.ledger.NewSupport(ctx, "relayout")
	task := s.relayout.Task(sup, requests)
	if p != nil {
		inner := task
		task = func(ctx context.Context, tp worker.Progress) (relayout.RoutingResult, error) {
			gate := worker.ProgressFunc(func(fraction float64) bool {
				return tp.Update(fraction) && p.Update(fraction)
			})
			return inner(ctx, gate)
		}
	}
	res, err := worker.Submit(ctx, s.runner, "relayout", task).Wait()
	if err != nil && !errors.Is(err, worker.ErrAsyncExit) {
		if aerr := sup.Abandon(ctx); aerr != nil {
			log.Warn(ctx, "abandon failed", logging.Err(aerr))
		}
		return res, err
	}
	if _, ferr := sup.Finish(ctx); ferr != nil {
		return res, ferr
	}
	s.updateGauges()
	return res, err
}

// Close waits for background work and closes the journal.
func (s *Session) Close() error {
	s.runner.Wait()
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

func (s *Session) updateGauges() {
	if s.metrics == nil {
		return
	}
	c := s.doc.Counts()
	s.metrics.SetDocumentCounts(c.Models, c.Links, c.Trees, c.CrudeDrops)
}
