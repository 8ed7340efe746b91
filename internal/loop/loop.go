// Package loop runs every state transition of the node on one goroutine.
//
// Sockets, dials and timers live on their own goroutines but only ever hand
// work to the loop through Post, so registry, swarm and member state need no
// locking.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Loop struct {
	clock clock.Clock
	log   *slog.Logger

	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

func New(clk clock.Clock, logger *slog.Logger) *Loop {
	return &Loop{
		clock:  clk,
		log:    logger,
		notify: make(chan struct{}, 1),
	}
}

func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post queues fn to run on the loop after the tasks already queued. It never
// blocks and is safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Timer is a cancellable AfterFunc. Cancel must be called from the loop.
type Timer struct {
	t        *clock.Timer
	canceled bool
}

// Cancel stops the timer. A firing that was already queued is dropped.
func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.canceled = true
	t.t.Stop()
}

// AfterFunc posts fn to the loop once d elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if timer.canceled {
				return
			}
			fn()
		})
	})
	return timer
}

// Pending is the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := l.queue
	l.queue = nil
	return tasks
}

// RunPending runs the queued tasks, including the ones they queue, until the
// queue is empty and returns how many ran.
func (l *Loop) RunPending() int {
	ran := 0
	for {
		tasks := l.take()
		if len(tasks) == 0 {
			return ran
		}
		for _, task := range tasks {
			task()
			ran++
		}
	}
}

// RunOnce runs the tasks queued right now, leaving the ones they queue for
// the next round.
func (l *Loop) RunOnce() int {
	tasks := l.take()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

// Run processes tasks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("event loop started")
	for {
		l.RunOnce()

		if l.Pending() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}

		select {
		case <-ctx.Done():
			l.log.Debug("event loop stopped")
			return ctx.Err()
		case <-l.notify:
		}
	}
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
