package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vnykmshr/gatekeep/internal/testutil"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
)

var errInjected = errors.New("connection refused")

func TestMemoryStore(t *testing.T) {
	runContract(t, func(t *testing.T) harness {
		clk := testutil.NewMockClock(time.Unix(1_700_000_000, 0))
		m := NewMemory(clk)
		t.Cleanup(func() { _ = m.Close() })
		return harness{
			store:   m,
			advance: clk.Advance,
			outage: func(on bool) {
				if on {
					m.SetOutage(errInjected)
				} else {
					m.SetOutage(nil)
				}
			},
		}
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	m := NewMemory(nil)
	_ = m.Close()

	_, err := m.SetNX(context.Background(), "k", "v", time.Second)
	if !errors.Is(err, gferrors.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if !errors.Is(err, gferrors.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	m := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := m.IncrWithExpiry(ctx, "c", time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryStoreWrongType(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	_, _ = m.PushTrim(ctx, "l", "x", 3, time.Minute)

	if _, _, err := m.IncrWithExpiry(ctx, "l", time.Minute); err == nil {
		t.Error("expected wrong type error on list key")
	}
	if _, _, err := m.Get(ctx, "l"); err == nil {
		t.Error("expected wrong type error on Get of list")
	}
}

func TestMemoryStoreLen(t *testing.T) {
	clk := testutil.NewMockClock(time.Time{})
	m := NewMemory(clk)
	ctx := context.Background()

	_, _ = m.SetNX(ctx, "a", "1", time.Second)
	_, _ = m.SetNX(ctx, "b", "1", time.Minute)
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	clk.Advance(2 * time.Second)
	if m.Len() != 1 {
		t.Errorf("Len after expiry = %d, want 1", m.Len())
	}
}

func TestMemoryStoreConcurrentSetNX(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.SetNX(ctx, "k", "v", time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}
