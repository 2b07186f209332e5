package timectrl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerAcceleratedSleep(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, Accelerated)

	var ticks []time.Time
	tc.AddListener(func(now time.Time) { ticks = append(ticks, now) })

	wallStart := time.Now()
	for i := 0; i < 3; i++ {
		if err := tc.Sleep(context.Background(), time.Hour); err != nil {
			t.Fatalf("Sleep: %v", err)
		}
	}
	if time.Since(wallStart) > time.Second {
		t.Fatalf("accelerated Sleep blocked for %v", time.Since(wallStart))
	}

	if got, want := tc.Elapsed(), 3*time.Hour; got != want {
		t.Fatalf("Elapsed() = %v, want %v", got, want)
	}
	if len(ticks) != 3 || !ticks[2].Equal(start.Add(3*time.Hour)) {
		t.Fatalf("listener ticks = %v", ticks)
	}
}

func TestTimeControllerRealTimeSleepUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, RealTime)

	if err := tc.Sleep(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	expected := start.Add(5 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestTimeControllerSleepCancelled(t *testing.T) {
	tc := NewTimeController(time.Now(), RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tc.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() err = %v, want context.Canceled", err)
	}
	if tc.Elapsed() != 0 {
		t.Fatalf("cancelled Sleep advanced time by %v", tc.Elapsed())
	}
}

func TestWallSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := (Wall{}).Sleep(ctx, time.Hour); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Sleep() err = %v, want context.DeadlineExceeded", err)
	}
}

func TestTimeControllerSharedAcceleratedSleeps(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, Accelerated)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				if err := tc.Sleep(context.Background(), time.Second); err != nil {
					t.Errorf("Sleep: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := tc.Now().Sub(start); got != 6*time.Second {
		t.Fatalf("elapsed = %v, want 6s (every sharer's sleeps)", got)
	}
}
