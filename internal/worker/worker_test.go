package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubmit_HeadlessRunsSynchronously(t *testing.T) {
	r := NewRunner(Headless(true))
	ran := false

	f := Submit(context.Background(), r, "sync", func(ctx context.Context, p Progress) (int, error) {
		ran = true
		if !p.Update(0.5) {
			t.Errorf("Update returned false on a live task")
		}
		return 42, nil
	})

	if !ran {
		t.Fatalf("headless Submit returned before the task ran")
	}
	select {
	case <-f.Done():
	default:
		t.Fatalf("future not done after headless Submit")
	}
	got, err := f.Wait()
	if err != nil || got != 42 {
		t.Fatalf("Wait = %d, %v; want 42, nil", got, err)
	}
}

func TestSubmit_BackgroundProgressAndResult(t *testing.T) {
	r := NewRunner()
	release := make(chan struct{})

	f := Submit(context.Background(), r, "bg", func(ctx context.Context, p Progress) (string, error) {
		p.Update(0.25)
		<-release
		return "ok", nil
	})

	select {
	case frac := <-f.Progress():
		if frac != 0.25 {
			t.Fatalf("progress = %v, want 0.25", frac)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no progress reported")
	}
	close(release)

	got, err := f.Wait()
	if err != nil || got != "ok" {
		t.Fatalf("Wait = %q, %v", got, err)
	}
	r.Wait()
}

func TestCancel_StopsTaskWithPartialResult(t *testing.T) {
	r := NewRunner()
	started := make(chan struct{})

	f := Submit(context.Background(), r, "cancel", func(ctx context.Context, p Progress) (int, error) {
		close(started)
		done := 0
		for p.Update(float64(done) / 1000) {
			done++
			time.Sleep(time.Millisecond)
		}
		return done, ErrAsyncExit
	})

	<-started
	f.Cancel()
	if _, err := f.Wait(); !errors.Is(err, ErrAsyncExit) {
		t.Fatalf("err = %v, want ErrAsyncExit", err)
	}
	// Cancelling a finished task is a no-op.
	f.Cancel()
}

func TestContextErrorsMapToAsyncExit(t *testing.T) {
	r := NewRunner(Headless(true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := Submit(ctx, r, "ctx", func(ctx context.Context, p Progress) (struct{}, error) {
		if p.Update(0) {
			t.Errorf("Update should report cancellation of a done context")
		}
		return struct{}{}, ctx.Err()
	})
	if _, err := f.Wait(); !errors.Is(err, ErrAsyncExit) {
		t.Fatalf("err = %v, want ErrAsyncExit", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	r := NewRunner(Headless(true))
	f := Submit(context.Background(), r, "boom", func(ctx context.Context, p Progress) (int, error) {
		panic("boom")
	})
	if _, err := f.Wait(); err == nil {
		t.Fatalf("panic was swallowed")
	}
}
