// Package loop provides the single goroutine on which all window, transfer
// and notification state is mutated. Other goroutines hand work to it with
// Post (fire and forget) or Call (wait until it ran).
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzawahab/parley/internal/logger"
)

// ErrClosed is returned once the loop has been stopped.
var ErrClosed = errors.New("loop: closed")

// Timer is a pending callback scheduled with After.
type Timer interface {
	Stop() bool
}

// Loop is an unbounded FIFO of tasks executed one at a time.
type Loop struct {
	mu       sync.Mutex
	queue    []func()
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   *logger.Logger
}

func New(log *logger.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: log,
	}
}

// Post queues fn. It never blocks.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

const (
	callPending int32 = iota
	callRunning
	callAbandoned
)

// Call runs fn on the loop and waits for it to finish. If ctx ends or the
// loop stops before fn started, fn is abandoned and will never run. Call
// must not be used from the loop goroutine itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	var state atomic.Int32
	finished := make(chan struct{})
	err := l.Post(func() {
		if !state.CompareAndSwap(callPending, callRunning) {
			return
		}
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		if state.CompareAndSwap(callPending, callAbandoned) {
			return ctx.Err()
		}
	case <-l.done:
		if state.CompareAndSwap(callPending, callAbandoned) {
			return ErrClosed
		}
	}
	// fn already started; it finishes on the loop goroutine.
	<-finished
	return nil
}

// After schedules fn to be posted to the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() {
		_ = l.Post(fn)
	})
}

// Run executes queued tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.exec(fn)
		}
		select {
		case <-l.wake:
		case <-l.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop discards pending tasks and unblocks every waiting Call.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed after Stop.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked: %v", r)
		}
	}()
	fn()
}
