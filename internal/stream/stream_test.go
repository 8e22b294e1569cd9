package stream

import (
	"context"
	"testing"
	"time"
)

// TestWindowCovers verifies range membership for download windows
func TestWindowCovers(t *testing.T) {
	w := Window{StreamID: "s1", Start: 1 << 20, RequestedSize: 4 << 20}

	tests := []struct {
		name   string
		offset int64
		want   bool
	}{
		{name: "before window", offset: 0, want: false},
		{name: "first byte", offset: 1 << 20, want: true},
		{name: "inside", offset: 3 << 20, want: true},
		{name: "last byte", offset: 5<<20 - 1, want: true},
		{name: "first byte past end", offset: 5 << 20, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Covers(tt.offset); got != tt.want {
				t.Errorf("Covers(%d) = %v, want %v", tt.offset, got, tt.want)
			}
		})
	}

	if got := w.End(); got != 5<<20 {
		t.Errorf("End() = %d, want %d", got, 5<<20)
	}
}

// TestDownloadHandle_FinishOnce verifies completion is latched exactly once
func TestDownloadHandle_FinishOnce(t *testing.T) {
	h := NewDownloadHandle(7)

	if err := h.Err(); err != nil {
		t.Errorf("Err() before Done = %v, want nil", err)
	}

	first := context.DeadlineExceeded
	h.Finish(first)
	h.Finish(context.Canceled)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Finish")
	}

	if err := h.Err(); err != first {
		t.Errorf("Err() = %v, want first Finish error %v", err, first)
	}
}

// TestDownloadHandle_ProgressCoalesces verifies progress pulses never block
func TestDownloadHandle_ProgressCoalesces(t *testing.T) {
	h := NewDownloadHandle(7)

	// No receiver: repeated marks must not block the publisher.
	for range 100 {
		h.MarkProgress()
	}

	select {
	case <-h.Progress():
	default:
		t.Fatal("expected a pending progress pulse")
	}

	select {
	case <-h.Progress():
		t.Fatal("pulses should coalesce to a single pending notification")
	default:
	}
}

// TestSignal_AwaitClear verifies waiters wake on transition to unset
func TestSignal_AwaitClear(t *testing.T) {
	var s Signal

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Unset flag returns immediately.
	if err := s.AwaitClear(ctx); err != nil {
		t.Fatalf("AwaitClear() on unset flag = %v", err)
	}

	s.Set(true)

	if !s.Get() {
		t.Fatal("Get() = false after Set(true)")
	}

	done := make(chan error, 1)

	go func() {
		done <- s.AwaitClear(ctx)
	}()

	// Redundant set must not wake the waiter.
	s.Set(true)

	select {
	case err := <-done:
		t.Fatalf("AwaitClear() returned %v while flag still set", err)
	case <-time.After(20 * time.Millisecond):
	}

	s.Set(false)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitClear() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitClear() did not wake on clear")
	}
}

// TestSignal_AwaitClearCancelled verifies context cancellation unblocks waiters
func TestSignal_AwaitClearCancelled(t *testing.T) {
	var s Signal

	s.Set(true)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- s.AwaitClear(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("AwaitClear() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitClear() did not observe cancellation")
	}
}
