// Package timectrl produces the fixed-step frame clock that drives a
// session.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is read access to frame time.
type Clock interface {
	Now() time.Time
	Frames() uint64
}

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime paces frames against the wall clock.
	RealTime Mode = iota
	// Accelerated steps frames back to back, as fast as listeners return.
	Accelerated
)

// FrameFunc handles one frame. dt is the frame length; a non-nil error
// stops the controller.
type FrameFunc func(ctx context.Context, now time.Time, dt time.Duration) error

// TimeController advances frame time by a fixed Tick and notifies
// listeners on every frame.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	current time.Time
	frames  uint64

	listeners []FrameFunc
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime: start,
		Tick:      tick,
		Mode:      mode,
		current:   start,
	}
}

// Now returns the current frame time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// Frames returns the number of frames stepped so far.
func (tc *TimeController) Frames() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.frames
}

// SetTime moves the clock without stepping a frame.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.current = t
}

// AddListener registers fn to run on every frame, after earlier listeners.
func (tc *TimeController) AddListener(fn FrameFunc) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step advances one frame synchronously and runs the listeners. It
// returns the first listener error.
func (tc *TimeController) Step(ctx context.Context) error {
	tc.mu.Lock()
	tc.current = tc.current.Add(tc.Tick)
	tc.frames++
	now := tc.current
	listeners := append([]FrameFunc(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		if err := fn(ctx, now, tc.Tick); err != nil {
			return err
		}
	}
	return nil
}

// Run steps frames until duration has elapsed (forever when duration is
// zero), ctx is cancelled, or a listener fails. It returns nil when the
// duration is reached and ctx.Err() on cancellation.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	var ticker *time.Ticker
	if tc.Mode == RealTime {
		ticker = time.NewTicker(tc.Tick)
		defer ticker.Stop()
	}

	var elapsed time.Duration
	for duration <= 0 || elapsed < duration {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if err := tc.Step(ctx); err != nil {
			return err
		}
		elapsed += tc.Tick
	}
	return nil
}

// Start runs the controller in a goroutine. The returned channel receives
// Run's result and is then closed.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- tc.Run(ctx, duration)
	}()
	return done
}
