package fiber

import (
	"context"
	"errors"
	"sync"
	"time"
)

// WakeScheduler abstracts the host's wake/alarm primitive: "invoke me again
// no earlier than T". The scheduler registers one request per active fiber
// heartbeat and relies on the host calling CheckFibers on wake. Requests
// collapse to the earliest outstanding time.
type WakeScheduler interface {
	ScheduleWake(ctx context.Context, at time.Time) error
}

// ErrWakeClosed is returned when scheduling against a closed TimerWake.
var ErrWakeClosed = errors.New("wake scheduler is closed")

// TimerWake backs the wake primitive with an in-process timer, for
// deployments without a platform alarm. It keeps a single timer armed for
// the earliest requested wake time and invokes fn when it fires.
type TimerWake struct {
	fn     func()
	timer  *time.Timer
	next   time.Time
	closed bool
	mu     sync.Mutex
}

// NewTimerWake creates a timer-backed wake scheduler. fn is invoked once per
// wake, typically wired to the scheduler's CheckFibers.
func NewTimerWake(fn func()) *TimerWake {
	return &TimerWake{fn: fn}
}

// ScheduleWake arms the timer for at, or keeps the currently armed timer if
// it already fires earlier.
func (w *TimerWake) ScheduleWake(ctx context.Context, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWakeClosed
	}
	if w.timer != nil && !w.next.After(at) {
		return nil
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.next = at
	w.timer = time.AfterFunc(time.Until(at), w.fire)
	return nil
}

func (w *TimerWake) fire() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.next = time.Time{}
	fn := w.fn
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Close stops the timer; pending wakes are dropped.
func (w *TimerWake) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
