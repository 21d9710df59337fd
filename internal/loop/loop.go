// Package loop runs UI state mutations on a single goroutine. Blocking work runs
// elsewhere and hands a continuation back to the loop.
package loop

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Loop serializes posted functions
type Loop struct {
	logger *slog.Logger
	queue  chan func()
	done   chan struct{}

	pending sync.WaitGroup
	stop    sync.Once
	posting sync.RWMutex // read-held for the duration of each Post
}

// New creates a loop with a queue of the given size
func New(logger *slog.Logger, size int) *Loop {
	return &Loop{
		logger: logger,
		queue:  make(chan func(), size),
		done:   make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.posting.RLock()
	defer l.posting.RUnlock()

	select {
	case <-l.done:
		return false
	default:
	}

	l.pending.Add(1)
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		l.pending.Done()
		return false
	}
}

// Go runs work on its own goroutine and posts the continuation it returns.
// A nil continuation posts nothing.
func (l *Loop) Go(ctx context.Context, name string, work func(ctx context.Context) func()) {
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		defer l.recover(name)

		next := work(ctx)
		if next == nil {
			return
		}
		if !l.Post(next) {
			l.logger.Debug("loop stopped, dropping continuation", "task", name)
		}
	}()
}

// Run processes posted functions until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.stop.Do(func() { close(l.done) })
			// Posts already past the done check finish before the drain
			l.posting.Lock()
			l.drop()
			l.posting.Unlock()
			return ctx.Err()
		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

// Wait blocks until every posted function and background task has finished
func (l *Loop) Wait() {
	l.pending.Wait()
}

func (l *Loop) run(fn func()) {
	defer l.pending.Done()
	defer l.recover("continuation")
	fn()
}

// drop discards whatever is still queued so Wait can return
func (l *Loop) drop() {
	for {
		select {
		case <-l.queue:
			l.pending.Done()
		default:
			return
		}
	}
}

func (l *Loop) recover(name string) {
	if r := recover(); r != nil {
		l.logger.Error("recovered panic", "task", name, "panic", r, "stack", string(debug.Stack()))
	}
}
