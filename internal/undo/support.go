package undo

import (
	"context"

	"github.com/signalsfoundry/grn-tapestry/core"
	"github.com/signalsfoundry/grn-tapestry/internal/logging"
)

// Support collects the entries of one gesture. Edits are recorded as they
// are applied to the document; model-change events are queued and only
// appended, and published, when the support is finished.
//
// A Support is used from one goroutine at a time.
type Support struct {
	ledger    *Ledger
	name      string
	gestureID string

	entries []Entry
	events  []core.ModelChangeEvent
	queued  map[core.ModelChangeEvent]bool
	closed  bool
}

// NewSupport opens a transaction for a gesture. The gesture ID is taken from
// ctx when present.
func (l *Ledger) NewSupport(ctx context.Context, name string) *Support {
	return &Support{
		ledger:    l,
		name:      name,
		gestureID: logging.GestureIDFromContext(ctx),
		queued:    make(map[core.ModelChangeEvent]bool),
	}
}

// Name returns the transaction name.
func (s *Support) Name() string { return s.name }

// AddGenomeChange records one applied link mutation.
func (s *Support) AddGenomeChange(ch core.GenomeChange) {
	if s.closed {
		return
	}
	s.entries = append(s.entries, Entry{Kind: EntryGenome, Genome: ch})
}

// AddPropChanges records the tree replacements of one layout operation.
// Empty slices are ignored.
func (s *Support) AddPropChanges(chs []core.PropChange) {
	if s.closed || len(chs) == 0 {
		return
	}
	s.entries = append(s.entries, Entry{Kind: EntryLayout, Props: append([]core.PropChange(nil), chs...)})
}

// AddEvent queues a model-change event. Duplicate events are dropped.
func (s *Support) AddEvent(ev core.ModelChangeEvent) {
	if s.closed || s.queued[ev] {
		return
	}
	s.queued[ev] = true
	s.events = append(s.events, ev)
}

// Len returns the number of recorded edits, events excluded.
func (s *Support) Len() int { return len(s.entries) }

// Events returns the queued events in order.
func (s *Support) Events() []core.ModelChangeEvent {
	return append([]core.ModelChangeEvent(nil), s.events...)
}

// Finish appends the queued events after every edit, publishes them and
// commits the transaction. A support without edits or events commits
// nothing and returns nil.
func (s *Support) Finish(ctx context.Context) (*Transaction, error) {
	if s.closed {
		return nil, ErrSupportClosed
	}
	s.closed = true
	if len(s.entries) == 0 && len(s.events) == 0 {
		return nil, nil
	}

	entries := s.entries
	for _, ev := range s.events {
		entries = append(entries, Entry{Kind: EntryEvent, Event: ev})
		s.ledger.target.Publish(ev)
	}
	return s.ledger.commit(ctx, s.name, s.gestureID, entries), nil
}

// Abandon reverts every recorded edit, newest first, and discards the
// transaction. Queued events are dropped.
func (s *Support) Abandon(ctx context.Context) error {
	if s.closed {
		return ErrSupportClosed
	}
	s.closed = true
	for i := len(s.entries) - 1; i >= 0; i-- {
		if err := applyInverse(s.ledger.target, s.entries[i]); err != nil {
			s.ledger.log.Error(ctx, "abandon failed", logging.String("name", s.name), logging.Err(err))
			return err
		}
	}
	s.ledger.log.Debug(ctx, "transaction abandoned",
		logging.String("name", s.name),
		logging.Int("entries", len(s.entries)),
	)
	return nil
}
