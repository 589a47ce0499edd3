package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrCancelled is the result of a future cancelled before it ran
var ErrCancelled = errors.New("task cancelled before execution")

const (
	statePending int32 = iota
	stateRunning
	stateDone
)

// Future carries the result of a task submitted with Go back to whoever
// holds it. Cancellation is cooperative: a running task keeps going and
// should poll Cancelled at its resumption points.
type Future[T any] struct {
	state           atomic.Int32
	cancelRequested atomic.Bool
	done            chan struct{}
	value           T
	err             error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Cancel requests cancellation. It returns true only when the task had not
// started, in which case it never runs. A false return means the task is
// running or finished and its side effects may already have happened.
func (f *Future[T]) Cancel() bool {
	f.cancelRequested.Store(true)
	if f.state.CompareAndSwap(statePending, stateDone) {
		f.err = ErrCancelled
		close(f.done)
		return true
	}
	return false
}

// Cancelled reports whether Cancel has been called
func (f *Future[T]) Cancelled() bool {
	return f.cancelRequested.Load()
}

// Done is closed once the task has finished or was cancelled before running
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the result is available
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// Wait blocks until the result is available or ctx is done
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) start() bool {
	return f.state.CompareAndSwap(statePending, stateRunning)
}

func (f *Future[T]) complete(value T, err error) {
	f.value = value
	f.err = err
	f.state.Store(stateDone)
	close(f.done)
}

// Go submits fn to exec and returns the future for its result. The submit
// blocks while the executor queue is full. When the executor rejects the
// task the returned future is already completed with the rejection error.
func Go[T any](ctx context.Context, exec Executor, id string, fn func(ctx context.Context, f *Future[T]) (T, error)) (*Future[T], error) {
	f := newFuture[T]()

	err := exec.SubmitWithContext(ctx, Task{
		ID:      id,
		Context: ctx,
		Fn: func(ctx context.Context) error {
			if !f.start() {
				return nil
			}
			var zero T
			defer func() {
				if r := recover(); r != nil {
					f.complete(zero, errors.New("task panicked"))
					panic(r)
				}
			}()
			v, err := fn(ctx, f)
			f.complete(v, err)
			return nil
		},
	})
	if err != nil {
		if f.state.CompareAndSwap(statePending, stateDone) {
			f.err = err
			close(f.done)
		}
		return f, err
	}
	return f, nil
}
