// Package looper provides the control goroutine that owns tab model
// mutation, persistence queues and migration stage transitions. Background
// tasks hand their results back by posting closures to it.
package looper

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Looper runs posted closures one at a time on a single goroutine
type Looper struct {
	name   string
	logger *zap.Logger
	strict bool

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	busy    bool
	stopped bool

	gid  atomic.Uint64
	done chan struct{}
}

// Config holds looper configuration
type Config struct {
	Name string
	// StrictThreadChecks turns off-looper calls into panics instead of
	// error logs. Enabled in tests and development builds.
	StrictThreadChecks bool
	Logger             *zap.Logger
}

// New creates a looper; Start launches its goroutine
func New(cfg Config) *Looper {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	l := &Looper{
		name:   cfg.Name,
		logger: cfg.Logger,
		strict: cfg.StrictThreadChecks,
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Start launches the looper goroutine
func (l *Looper) Start() {
	ready := make(chan struct{})
	go l.loop(ready)
	<-ready
}

func (l *Looper) loop(ready chan struct{}) {
	defer close(l.done)
	l.gid.Store(goroutineID())
	close(ready)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.stopped {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.busy = true
		l.mu.Unlock()

		l.run(fn)

		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()
	}
}

func (l *Looper) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.strict {
				panic(r)
			}
			l.logger.Error("Looper task panicked",
				zap.String("looper", l.name),
				zap.Any("panic", r))
		}
	}()
	fn()
}

// Post queues fn. It returns false once the looper is stopped.
func (l *Looper) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Run executes fn on the looper and waits for it. Called on the looper it
// runs fn inline.
func (l *Looper) Run(fn func()) error {
	if l.OnLooper() {
		fn()
		return nil
	}
	done := make(chan struct{})
	var panicked interface{}
	ok := l.Post(func() {
		defer close(done)
		defer func() { panicked = recover() }()
		fn()
	})
	if !ok {
		return fmt.Errorf("looper '%s' is stopped", l.name)
	}
	<-done
	if panicked != nil {
		panic(panicked)
	}
	return nil
}

// OnLooper reports whether the caller is the looper goroutine
func (l *Looper) OnLooper() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == goroutineID()
}

// Check asserts that the caller is on the looper
func (l *Looper) Check(operation string) {
	if l.OnLooper() {
		return
	}
	if l.strict {
		panic(fmt.Sprintf("%s called off the %s looper", operation, l.name))
	}
	l.logger.Error("Called off the control looper",
		zap.String("looper", l.name),
		zap.String("operation", operation))
}

// Assert reports an invariant violation: panic in strict mode, error log otherwise
func (l *Looper) Assert(cond bool, msg string, fields ...zap.Field) bool {
	if cond {
		return true
	}
	if l.strict {
		panic(msg)
	}
	l.logger.Error(msg, append(fields, zap.String("looper", l.name))...)
	return false
}

// Strict reports whether invariant violations panic
func (l *Looper) Strict() bool {
	return l.strict
}

// Idle reports whether nothing is queued or running
func (l *Looper) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0 && !l.busy
}

// Stop finishes the queued closures and ends the goroutine
func (l *Looper) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	l.cond.Broadcast()
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("looper '%s' stop: %w", l.name, ctx.Err())
	}
}

// WaitIdle polls until the looper is idle
func (l *Looper) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !l.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine id from the stack header. Only
// the looper identity check uses it.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
