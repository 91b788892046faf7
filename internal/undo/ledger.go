package undo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/grn-tapestry/internal/logging"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
	ErrSupportClosed = errors.New("undo support already finished")
	ErrUnknownTarget = errors.New("undo entry names an unknown target")
)

// DefaultLimit bounds the number of transactions kept for undo.
const DefaultLimit = 100

// Direction names a ledger operation.
type Direction string

const (
	DirectionCommit Direction = "commit"
	DirectionUndo   Direction = "undo"
	DirectionRedo   Direction = "redo"
)

// Transaction is the committed record of one gesture.
type Transaction struct {
	ID        int
	Name      string
	GestureID string
	Entries   []Entry
	Committed time.Time
}

// Summary is a light view of a transaction for history listings.
type Summary struct {
	ID        int
	Name      string
	GestureID string
	Entries   int
	Undone    bool
}

// Observer is notified after every commit, undo and redo.
type Observer func(ctx context.Context, dir Direction, tx *Transaction)

// Ledger is the undo/redo history of one document.
type Ledger struct {
	mu sync.Mutex

	target    Target
	log       logging.Logger
	limit     int
	observers []Observer
	now       func() time.Time

	done   []*Transaction
	undone []*Transaction
	nextID int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(log logging.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithLimit bounds the undo history. Non-positive values keep the default.
func WithLimit(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.limit = n
		}
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// NewLedger creates an empty ledger applying entries to target.
func NewLedger(target Target, opts ...Option) *Ledger {
	l := &Ledger{
		target: target,
		log:    logging.Noop(),
		limit:  DefaultLimit,
		now:    time.Now,
		nextID: 1,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Observe registers an observer after construction.
func (l *Ledger) Observe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// CanUndo reports whether a transaction is available to undo.
func (l *Ledger) CanUndo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done) > 0
}

// CanRedo reports whether a transaction is available to redo.
func (l *Ledger) CanRedo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.undone) > 0
}

// History lists committed transactions oldest first, followed by undone ones
// in redo order.
func (l *Ledger) History() []Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Summary, 0, len(l.done)+len(l.undone))
	for _, tx := range l.done {
		out = append(out, summarize(tx, false))
	}
	for i := len(l.undone) - 1; i >= 0; i-- {
		out = append(out, summarize(l.undone[i], true))
	}
	return out
}

// Undo reverts the most recent transaction. Edits are reverted newest first;
// the transaction's model-change events are then re-published. When an edit
// cannot be reverted the ones already reverted are re-applied and the
// transaction stays undoable.
func (l *Ledger) Undo(ctx context.Context) (*Transaction, error) {
	l.mu.Lock()
	if len(l.done) == 0 {
		l.mu.Unlock()
		return nil, ErrNothingToUndo
	}
	tx := l.done[len(l.done)-1]
	l.done = l.done[:len(l.done)-1]

	var events []Entry
	for i := len(tx.Entries) - 1; i >= 0; i-- {
		e := tx.Entries[i]
		if e.Kind == EntryEvent {
			events = append([]Entry{e}, events...)
			continue
		}
		if err := applyInverse(l.target, e); err != nil {
			l.restore(tx.Entries[i+1:], applyForward)
			l.done = append(l.done, tx)
			l.mu.Unlock()
			l.log.Error(ctx, "undo failed", logging.Int("tx", tx.ID), logging.Err(err))
			return nil, err
		}
	}
	l.undone = append(l.undone, tx)
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()

	for _, e := range events {
		_ = applyInverse(l.target, e)
	}
	l.log.Debug(ctx, "undo", logging.Int("tx", tx.ID), logging.String("name", tx.Name))
	notify(ctx, observers, DirectionUndo, tx)
	return tx, nil
}

// Redo re-applies the most recently undone transaction. A failed redo is
// rolled back the same way and stays redoable.
func (l *Ledger) Redo(ctx context.Context) (*Transaction, error) {
	l.mu.Lock()
	if len(l.undone) == 0 {
		l.mu.Unlock()
		return nil, ErrNothingToRedo
	}
	tx := l.undone[len(l.undone)-1]
	l.undone = l.undone[:len(l.undone)-1]

	var events []Entry
	for i, e := range tx.Entries {
		if e.Kind == EntryEvent {
			events = append(events, e)
			continue
		}
		if err := applyForward(l.target, e); err != nil {
			l.restoreReverse(tx.Entries[:i], applyInverse)
			l.undone = append(l.undone, tx)
			l.mu.Unlock()
			l.log.Error(ctx, "redo failed", logging.Int("tx", tx.ID), logging.Err(err))
			return nil, err
		}
	}
	l.done = append(l.done, tx)
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()

	for _, e := range events {
		_ = applyForward(l.target, e)
	}
	l.log.Debug(ctx, "redo", logging.Int("tx", tx.ID), logging.String("name", tx.Name))
	notify(ctx, observers, DirectionRedo, tx)
	return tx, nil
}

// commit appends a finished transaction and clears the redo stack.
func (l *Ledger) commit(ctx context.Context, name, gestureID string, entries []Entry) *Transaction {
	l.mu.Lock()
	tx := &Transaction{
		ID:        l.nextID,
		Name:      name,
		GestureID: gestureID,
		Entries:   entries,
		Committed: l.now(),
	}
	l.nextID++
	l.done = append(l.done, tx)
	if over := len(l.done) - l.limit; over > 0 {
		l.done = append([]*Transaction(nil), l.done[over:]...)
	}
	l.undone = nil
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()

	l.log.Info(ctx, "transaction committed",
		logging.Int("tx", tx.ID),
		logging.String("name", name),
		logging.Int("entries", len(entries)),
	)
	notify(ctx, observers, DirectionCommit, tx)
	return tx
}

// restore re-applies entries oldest first, leaving a failed undo's
// transaction as it was committed. Events are skipped.
func (l *Ledger) restore(entries []Entry, apply func(Target, Entry) error) {
	for _, e := range entries {
		if e.Kind != EntryEvent {
			_ = apply(l.target, e)
		}
	}
}

// restoreReverse is restore newest first, for a failed redo.
func (l *Ledger) restoreReverse(entries []Entry, apply func(Target, Entry) error) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind != EntryEvent {
			_ = apply(l.target, entries[i])
		}
	}
}

func notify(ctx context.Context, observers []Observer, dir Direction, tx *Transaction) {
	for _, o := range observers {
		o(ctx, dir, tx)
	}
}

func summarize(tx *Transaction, undone bool) Summary {
	return Summary{ID: tx.ID, Name: tx.Name, GestureID: tx.GestureID, Entries: len(tx.Entries), Undone: undone}
}
