package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	tu "github.com/vnykmshr/gatekeep/internal/testutil"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		wantErr  bool
	}{
		{"valid capacity", 10, false},
		{"capacity one", 1, false},
		{"zero capacity", 0, true},
		{"negative capacity", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter, err := New(Config{Capacity: tt.capacity})
			if tt.wantErr {
				if !gferrors.IsValidationError(err) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tu.AssertEqual(t, limiter.Capacity(), tt.capacity)
			tu.AssertEqual(t, limiter.Available(), tt.capacity)
			tu.AssertEqual(t, limiter.InUse(), 0)
		})
	}
}

func TestAcquireRelease(t *testing.T) {
	m := metrics.Discard()
	limiter, _ := New(Config{Capacity: 2, Metrics: m})

	tu.AssertEqual(t, limiter.Acquire(), true)
	tu.AssertEqual(t, limiter.Acquire(), true)
	tu.AssertEqual(t, limiter.Acquire(), false)
	tu.AssertEqual(t, limiter.Pressure(), 1.0)
	tu.AssertEqual(t, testutil.ToFloat64(m.ConcurrencyActive), 2.0)

	if err := limiter.Release(); err != nil {
		t.Fatal(err)
	}
	tu.AssertEqual(t, limiter.Pressure(), 0.5)
	tu.AssertEqual(t, limiter.Available(), 1)
}

func TestOverRelease(t *testing.T) {
	limiter, _ := New(Config{Capacity: 1})
	if err := limiter.Release(); !errors.Is(err, gferrors.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
	tu.AssertEqual(t, limiter.InUse(), 0)
}

func TestWaitFIFO(t *testing.T) {
	limiter, _ := New(Config{Capacity: 1})
	limiter.Acquire()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := limiter.Wait(context.Background()); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			_ = limiter.Release()
		}(i)
		// Queue waiters in a known order.
		tu.Eventually(t, func() bool {
			limiter.mu.Lock()
			defer limiter.mu.Unlock()
			return len(limiter.waiters) == i+1
		}, time.Second, time.Millisecond)
	}

	_ = limiter.Release()
	wg.Wait()

	tu.AssertEqual(t, len(order), 3)
	for i, v := range order {
		tu.AssertEqual(t, v, i)
	}
	tu.AssertEqual(t, limiter.InUse(), 0)
}

func TestWaitCancellation(t *testing.T) {
	limiter, _ := New(Config{Capacity: 1})
	limiter.Acquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	tu.AssertEqual(t, limiter.InUse(), 1)

	_ = limiter.Release()
	tu.AssertEqual(t, limiter.InUse(), 0)
}

func TestWaitCanceledBeforeStart(t *testing.T) {
	limiter, _ := New(Config{Capacity: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}
	tu.AssertEqual(t, limiter.InUse(), 0)
}

func TestSetCapacity(t *testing.T) {
	limiter, _ := New(Config{Capacity: 1})
	limiter.Acquire()

	done := make(chan struct{})
	go func() {
		_ = limiter.Wait(context.Background())
		close(done)
	}()
	tu.Eventually(t, func() bool {
		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		return len(limiter.waiters) == 1
	}, time.Second, time.Millisecond)

	if err := limiter.SetCapacity(2); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by capacity increase")
	}

	if err := limiter.SetCapacity(0); err == nil {
		t.Error("expected error for zero capacity")
	}

	// Shrinking below usage only limits new acquisitions.
	_ = limiter.SetCapacity(1)
	tu.AssertEqual(t, limiter.Available(), 0)
	tu.AssertEqual(t, limiter.Pressure(), 1.0)
}

func TestConcurrentUse(t *testing.T) {
	limiter, _ := New(Config{Capacity: 4})
	var wg sync.WaitGroup
	var mu sync.Mutex
	active, peak := 0, 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Wait(context.Background()); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			_ = limiter.Release()
		}()
	}
	wg.Wait()

	if peak > 4 {
		t.Errorf("peak concurrency %d exceeds capacity", peak)
	}
	tu.AssertEqual(t, limiter.InUse(), 0)
}
