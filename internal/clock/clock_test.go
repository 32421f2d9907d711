package clock

import (
	"context"
	"testing"
	"time"
)

func TestRealNow(t *testing.T) {
	before := time.Now()
	got := Real{}.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestSleepReturnsAfterDuration(t *testing.T) {
	if err := Sleep(context.Background(), Real{}, time.Millisecond); err != nil {
		t.Errorf("Sleep() = %v, want nil", err)
	}
}

func TestSleepHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, Real{}, time.Hour); err != context.Canceled {
		t.Errorf("Sleep() = %v, want context.Canceled", err)
	}
}

func TestSleepZeroDuration(t *testing.T) {
	if err := Sleep(context.Background(), Real{}, 0); err != nil {
		t.Errorf("Sleep(0) = %v, want nil", err)
	}
}
