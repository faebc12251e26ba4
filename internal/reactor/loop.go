package reactor

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultQueue = 4096

var ErrStopped = errors.New("reactor stopped")

// Loop runs posted functions one at a time on a single goroutine. State
// touched only from posted functions needs no locking. Timer and ticker
// firings use their own channel and are never dropped by a full queue.
type Loop struct {
	ch     chan func()
	timers chan func()
	done   chan struct{}
	stopMu sync.Once
}

func New(queue int) *Loop {
	if queue <= 0 {
		queue = defaultQueue
	}
	return &Loop{
		ch:     make(chan func(), queue),
		timers: make(chan func()),
		done:   make(chan struct{}),
	}
}

// Run executes posted functions until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.timers:
			fn()
		case fn := <-l.ch:
			fn()
		}
	}
}

// Post queues fn for the loop. It returns false when the loop has stopped
// or its queue is full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.ch <- fn:
		return true
	case <-l.done:
		return false
	default:
		return false
	}
}

// PostWait queues fn and blocks until it is accepted or ctx ends.
func (l *Loop) PostWait(ctx context.Context, fn func()) error {
	select {
	case l.ch <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fire hands fn to the loop from a timer goroutine, waiting for the loop
// to take it. It gives up only when the loop stops or quit is closed.
func (l *Loop) fire(fn func(), quit <-chan struct{}) bool {
	select {
	case l.timers <- fn:
		return true
	case <-l.done:
		return false
	case <-quit:
		return false
	}
}

func (l *Loop) Stop() {
	l.stopMu.Do(func() { close(l.done) })
}

func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a one-shot timer whose callback runs on the loop. Stop must be
// called from the loop to guarantee the callback will not run.
type Timer struct {
	t       *time.Timer
	stopped bool
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.fire(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		}, nil)
	})
	return tm
}

func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.t.Stop()
}

// Every runs fn on the loop at each interval until the returned stop
// function is called or the loop ends.
func (l *Loop) Every(d time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(d)
	quit := make(chan struct{})
	var once sync.Once
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !l.fire(fn, quit) {
					return
				}
			case <-quit:
				return
			case <-l.done:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(quit) }) }
}
