// Package reactor provides the single goroutine on which all call state is
// mutated. Network reads, process waits and timer expirations never touch
// call state directly; they post closures onto the loop instead.
package reactor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrStopped is returned when work is submitted to a loop that has stopped.
var ErrStopped = errors.New("reactor stopped")

// defaultQueueSize bounds the number of pending closures before Post blocks.
const defaultQueueSize = 1024

// Loop executes posted closures one at a time, in submission order.
type Loop struct {
	events chan func()
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	// deferred is only touched on the loop goroutine.
	deferred []func()
}

// New creates a loop. Call Run to start processing.
func New(logger *slog.Logger) *Loop {
	return &Loop{
		events: make(chan func(), defaultQueueSize),
		done:   make(chan struct{}),
		logger: logger.With("subsystem", "reactor"),
	}
}

// Run processes closures until Stop is called. Closures still queued at
// that point are discarded.
func (l *Loop) Run() {
	l.logger.Debug("reactor started")
	for {
		select {
		case fn := <-l.events:
			l.exec(fn)
		case <-l.done:
			l.logger.Debug("reactor stopped")
			return
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// Post queues fn for execution on the loop. It blocks while the queue is
// full and returns false once the loop has stopped. Code running on the loop
// must use Defer instead: a full queue would block the only goroutine that
// drains it.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to return, or for ctx to end.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Defer runs fn on the loop once the current closure returns, ahead of
// anything already queued. It must be called on the loop goroutine and never
// blocks.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// exec runs a closure and then every closure it deferred.
func (l *Loop) exec(fn func()) {
	l.call(fn)
	for len(l.deferred) > 0 {
		next := l.deferred[0]
		l.deferred[0] = nil
		l.deferred = l.deferred[1:]
		l.call(next)
	}
}

// call runs a single closure, keeping the loop alive if it panics.
func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("reactor callback panicked", "panic", r)
		}
	}()
	fn()
}
