package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter caps how fast a worker process takes jobs. Wait blocks until a slot
// is available; Undo hands back a slot that was taken but not used.
type Limiter interface {
	Wait(ctx context.Context) error
	Undo(ctx context.Context)
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }
func (Unlimited) Undo(context.Context)           {}

// Window allows at most max acquisitions per fixed window. One Window is shared
// by every slot of a pool.
type Window struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	count   int
	resetAt time.Time
	now     func() time.Time
	onWait  func()
}

// NewWindow builds a limiter allowing max acquisitions per window.
func NewWindow(max int, window time.Duration) *Window {
	if window <= 0 {
		window = time.Minute
	}
	return &Window{max: max, window: window, now: time.Now}
}

// PerMinute builds the 60s window used for maxJobsPerMinute.
func PerMinute(max int) *Window {
	return NewWindow(max, time.Minute)
}

// OnWait registers a hook called whenever Wait has to block.
func (w *Window) OnWait(fn func()) {
	w.mu.Lock()
	w.onWait = fn
	w.mu.Unlock()
}

// Wait takes a slot, sleeping until the next window when the current one is full.
func (w *Window) Wait(ctx context.Context) error {
	for {
		delay, hook := w.reserve()
		if delay == 0 {
			return nil
		}
		if hook != nil {
			hook()
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (w *Window) reserve() (time.Duration, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(w.window)
	}
	if w.count < w.max {
		w.count++
		return 0, nil
	}
	return w.resetAt.Sub(now), w.onWait
}

// Undo returns a slot taken in the current window.
func (w *Window) Undo(context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count > 0 && w.now().Before(w.resetAt) {
		w.count--
	}
}

// Remaining reports unused slots in the current window.
func (w *Window) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.now().Before(w.resetAt) {
		return w.max
	}
	return w.max - w.count
}
