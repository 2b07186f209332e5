package timectrl

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Clock is the time source used by the driver tick loop and the yield
// poll loop. Depending on it rather than on the time package lets the
// simulator replay paths faster than real time and keeps tests
// deterministic.
type Clock interface {
	// Now returns the current (possibly simulated) time.
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first. It
	// returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
}

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime sleeps for the requested wall-clock duration.
	RealTime Mode = iota
	// Accelerated advances simulated time immediately on every Sleep.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// TimeController tracks simulated time and notifies registered listeners
// each time it advances. It may be shared by several units: every Sleep of
// every sharer advances the common clock, so in accelerated mode time moves
// as fast as the busiest unit sleeps and units stay loosely in step.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Mode      Mode

	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller starting at start.
func NewTimeController(start time.Time, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements Clock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime overrides the current simulation time.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// Elapsed returns the simulated time since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	return tc.Now().Sub(tc.StartTime)
}

// AddListener registers a callback invoked every time simulated time
// advances.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Sleep advances simulated time by d. In RealTime mode it first waits for
// d of wall-clock time; in Accelerated mode it only yields the processor
// so other goroutines (the beacon receiver, other units) can run.
// Implements Clock.
func (tc *TimeController) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tc.Mode == RealTime && d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else {
		runtime.Gosched()
	}

	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(d)
	now := tc.currentTime
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return nil
}

// Wall is a Clock backed directly by the time package.
type Wall struct{}

// Now returns time.Now().
func (Wall) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is done.
func (Wall) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
