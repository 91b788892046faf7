// Package worker runs cancellable units of work as futures. A task reports
// progress through a Progress handle and learns of cancellation when Update
// returns false. Headless runners execute tasks synchronously on the caller's
// goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/grn-tapestry/internal/logging"
)

// ErrAsyncExit reports that a task stopped early because it was cancelled.
// Work already applied by the task is kept.
var ErrAsyncExit = errors.New("worker: task cancelled")

// Progress is handed to a running task.
type Progress interface {
	// Update publishes the completed fraction in [0,1] and returns false
	// once the task has been cancelled.
	Update(fraction float64) bool
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(fraction float64) bool

func (f ProgressFunc) Update(fraction float64) bool { return f(fraction) }

// Func is a unit of work.
type Func[T any] func(ctx context.Context, p Progress) (T, error)

// Runner schedules tasks.
type Runner struct {
	headless bool
	log      logging.Logger
	wg       sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// Headless makes the runner execute tasks synchronously in Submit.
func Headless(on bool) Option {
	return func(r *Runner) { r.headless = on }
}

func WithLogger(log logging.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRunner constructs a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{log: logging.Noop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsHeadless reports whether tasks run synchronously.
func (r *Runner) IsHeadless() bool { return r.headless }

// Wait blocks until every background task submitted so far has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Future is the handle of a submitted task.
type Future[T any] struct {
	name      string
	done      chan struct{}
	progress  chan float64
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu  sync.Mutex
	val T
	err error
}

// Submit starts fn under r. Methods cannot carry type parameters, so this is
// a package function rather than a Runner method.
func Submit[T any](ctx context.Context, r *Runner, name string, fn Func[T]) *Future[T] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future[T]{
		name:     name,
		done:     make(chan struct{}),
		progress: make(chan float64, 1),
		cancel:   cancel,
	}

	if r.headless {
		f.run(ctx, r.log, fn)
		return f
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f.run(ctx, r.log, fn)
	}()
	return f
}

func (f *Future[T]) run(ctx context.Context, log logging.Logger, fn Func[T]) {
	start := time.Now()
	defer f.cancel()
	defer close(f.done)
	defer close(f.progress)

	val, err := f.call(ctx, fn)
	if err != nil && !errors.Is(err, ErrAsyncExit) &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = fmt.Errorf("%w: %v", ErrAsyncExit, err)
	}

	f.mu.Lock()
	f.val, f.err = val, err
	f.mu.Unlock()

	fields := []logging.Field{
		logging.String("task", f.name),
		logging.Duration("duration", time.Since(start)),
	}
	switch {
	case err == nil:
		log.Debug(ctx, "task finished", fields...)
	case errors.Is(err, ErrAsyncExit):
		log.Info(ctx, "task cancelled", fields...)
	default:
		log.Warn(ctx, "task failed", append(fields, logging.Err(err))...)
	}
}

func (f *Future[T]) call(ctx context.Context, fn Func[T]) (val T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker: task %q panicked: %v", f.name, rec)
		}
	}()
	return fn(ctx, &taskProgress[T]{ctx: ctx, f: f})
}

// Name returns the task name.
func (f *Future[T]) Name() string { return f.name }

// Progress delivers the most recent fraction reported by the task. The
// channel is closed when the task ends.
func (f *Future[T]) Progress() <-chan float64 { return f.progress }

// Done is closed when the task ends.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Cancel asks the task to stop. It is safe to call more than once and after
// the task has ended.
func (f *Future[T]) Cancel() {
	f.cancelled.Store(true)
	f.cancel()
}

// Wait blocks until the task ends and returns its result. A cancelled task
// returns its partial result with an error wrapping ErrAsyncExit.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

type taskProgress[T any] struct {
	ctx context.Context
	f   *Future[T]
}

func (p *taskProgress[T]) Update(fraction float64) bool {
	if p.f.cancelled.Load() || p.ctx.Err() != nil {
		return false
	}
	// Keep only the latest value in the buffer.
	select {
	case <-p.f.progress:
	default:
	}
	select {
	case p.f.progress <- fraction:
	default:
	}
	return true
}
