package journal

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/grn-tapestry/internal/fixture"
	"github.com/signalsfoundry/grn-tapestry/internal/undo"
)

func open(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordsLedgerOperations(t *testing.T) {
	ctx := context.Background()
	src, err := fixture.Gred()
	if err != nil {
		t.Fatalf("fixture.Gred: %v", err)
	}
	j := open(t)
	j.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	ledger := undo.NewLedger(src, undo.WithObserver(j.Observer()))

	sup := ledger.NewSupport(ctx, "change pad")
	ch, err := src.Root().ChangeLandingPad("L2", 3)
	if err != nil {
		t.Fatalf("ChangeLandingPad: %v", err)
	}
	sup.AddGenomeChange(ch)
	if _, err := sup.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := ledger.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if _, err := ledger.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}

	recs, err := j.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Recent returned %d rows, want 3", len(recs))
	}
	wantDirs := []undo.Direction{undo.DirectionRedo, undo.DirectionUndo, undo.DirectionCommit}
	for i, r := range recs {
		if r.Direction != wantDirs[i] {
			t.Fatalf("row %d direction = %s, want %s", i, r.Direction, wantDirs[i])
		}
		if r.Name != "change pad" || r.Entries != 1 || r.TxID != recs[0].TxID {
			t.Fatalf("row %d = %+v", i, r)
		}
		if !r.RecordedAt.Equal(j.now()) {
			t.Fatalf("row %d recorded at %v", i, r.RecordedAt)
		}
	}

	latest, err := j.Recent(ctx, 1)
	if err != nil || len(latest) != 1 || latest[0].Direction != undo.DirectionRedo {
		t.Fatalf("Recent(1) = %+v, %v", latest, err)
	}

	counts, err := j.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	for _, dir := range wantDirs {
		if counts[dir] != 1 {
			t.Fatalf("count[%s] = %d, want 1", dir, counts[dir])
		}
	}
}

func TestJournalPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Append(ctx, undo.DirectionCommit, &undo.Transaction{ID: 7, Name: "swap pads"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	recs, err := j.Recent(ctx, 10)
	if err != nil || len(recs) != 1 || recs[0].TxID != 7 {
		t.Fatalf("Recent after reopen = %+v, %v", recs, err)
	}
}

func TestJournalClosed(t *testing.T) {
	ctx := context.Background()
	j := open(t)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.Append(ctx, undo.DirectionCommit, &undo.Transaction{ID: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after close = %v, want ErrClosed", err)
	}
	if _, err := j.Recent(ctx, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recent after close = %v, want ErrClosed", err)
	}
}

func TestOpenFailure(t *testing.T) {
	boom := errors.New("driver unavailable")
	orig := openDB
	openDB = func(string, string) (*sql.DB, error) { return nil, boom }
	t.Cleanup(func() { openDB = orig })

	if _, err := Open(context.Background(), "ignored.db"); !errors.Is(err, boom) {
		t.Fatalf("Open error = %v, want %v", err, boom)
	}
}
