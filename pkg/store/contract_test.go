package store

import (
	"context"
	"errors"
	"testing"
	"time"

	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
)

// harness lets the same behavioural tests run against every Store.
type harness struct {
	store   Store
	advance func(time.Duration)
	outage  func(on bool)
}

func runContract(t *testing.T, newHarness func(t *testing.T) harness) {
	t.Run("SetNXExclusive", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		ok, err := h.store.SetNX(ctx, "k", "a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first SetNX = %v, %v; want true, nil", ok, err)
		}
		ok, err = h.store.SetNX(ctx, "k", "b", time.Minute)
		if err != nil || ok {
			t.Fatalf("second SetNX = %v, %v; want false, nil", ok, err)
		}

		val, found, err := h.store.Get(ctx, "k")
		if err != nil || !found || val != "a" {
			t.Errorf("Get = %q, %v, %v; want a, true, nil", val, found, err)
		}
	})

	t.Run("SetNXAfterExpiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		if _, err := h.store.SetNX(ctx, "k", "a", time.Second); err != nil {
			t.Fatal(err)
		}
		h.advance(2 * time.Second)

		ok, err := h.store.SetNX(ctx, "k", "b", time.Second)
		if err != nil || !ok {
			t.Fatalf("SetNX after expiry = %v, %v; want true, nil", ok, err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		h := newHarness(t)
		_, found, err := h.store.Get(context.Background(), "missing")
		if err != nil || found {
			t.Errorf("Get missing = found %v, err %v", found, err)
		}
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if _, err := h.store.SetNX(ctx, "k", "token", time.Minute); err != nil {
			t.Fatal(err)
		}

		ok, err := h.store.CompareAndDelete(ctx, "k", "other")
		if err != nil || ok {
			t.Fatalf("mismatched CompareAndDelete = %v, %v", ok, err)
		}
		ok, err = h.store.CompareAndDelete(ctx, "k", "token")
		if err != nil || !ok {
			t.Fatalf("CompareAndDelete = %v, %v", ok, err)
		}
		if _, found, _ := h.store.Get(ctx, "k"); found {
			t.Error("key should be gone")
		}
	})

	t.Run("CompareAndExpire", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if _, err := h.store.SetNX(ctx, "k", "token", 2*time.Second); err != nil {
			t.Fatal(err)
		}

		ok, err := h.store.CompareAndExpire(ctx, "k", "other", time.Minute)
		if err != nil || ok {
			t.Fatalf("mismatched CompareAndExpire = %v, %v", ok, err)
		}
		ok, err = h.store.CompareAndExpire(ctx, "k", "token", time.Minute)
		if err != nil || !ok {
			t.Fatalf("CompareAndExpire = %v, %v", ok, err)
		}

		h.advance(5 * time.Second)
		if _, found, _ := h.store.Get(ctx, "k"); !found {
			t.Error("extended key should survive past original ttl")
		}
	})

	t.Run("IncrWithExpiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		for want := int64(1); want <= 3; want++ {
			n, _, err := h.store.IncrWithExpiry(ctx, "c", 10*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if n != want {
				t.Errorf("IncrWithExpiry = %d, want %d", n, want)
			}
		}

		h.advance(11 * time.Second)
		n, _, err := h.store.IncrWithExpiry(ctx, "c", 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("counter after expiry = %d, want 1", n)
		}
	})

	t.Run("IncrKeepsOriginalExpiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		_, ttl, err := h.store.IncrWithExpiry(ctx, "c", 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if ttl != 10*time.Second {
			t.Errorf("ttl on create = %v, want 10s", ttl)
		}
		h.advance(6 * time.Second)
		_, ttl, err = h.store.IncrWithExpiry(ctx, "c", 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if ttl != 4*time.Second {
			t.Errorf("ttl after 6s = %v, want 4s", ttl)
		}
		h.advance(5 * time.Second)

		n, _, err := h.store.IncrWithExpiry(ctx, "c", 10*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("counter = %d, want 1 (ttl must not slide)", n)
		}
	})

	t.Run("PushTrimAndRange", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		for i, v := range []string{"1", "2", "3", "4"} {
			n, err := h.store.PushTrim(ctx, "l", v, 3, time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			want := int64(i + 1)
			if want > 3 {
				want = 3
			}
			if n != want {
				t.Errorf("PushTrim len = %d, want %d", n, want)
			}
		}

		got, err := h.store.Range(ctx, "l")
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"2", "3", "4"}
		if len(got) != len(want) {
			t.Fatalf("Range = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Range[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("RangeMissing", func(t *testing.T) {
		h := newHarness(t)
		got, err := h.store.Range(context.Background(), "none")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("Range missing = %v, want empty", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		_, _ = h.store.SetNX(ctx, "a", "1", time.Minute)
		_, _ = h.store.PushTrim(ctx, "b", "x", 5, time.Minute)

		if err := h.store.Delete(ctx, "a", "b", "missing"); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := h.store.Get(ctx, "a"); found {
			t.Error("a should be deleted")
		}
		if got, _ := h.store.Range(ctx, "b"); len(got) != 0 {
			t.Error("b should be deleted")
		}
	})

	t.Run("OutageIsStoreError", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		h.outage(true)

		_, err := h.store.SetNX(ctx, "k", "v", time.Minute)
		if !errors.Is(err, gferrors.ErrStoreUnavailable) {
			t.Errorf("SetNX during outage: %v, want ErrStoreUnavailable", err)
		}
		if _, _, err := h.store.IncrWithExpiry(ctx, "c", time.Minute); !errors.Is(err, gferrors.ErrStoreUnavailable) {
			t.Errorf("IncrWithExpiry during outage: %v", err)
		}
		if err := h.store.Ping(ctx); !errors.Is(err, gferrors.ErrStoreUnavailable) {
			t.Errorf("Ping during outage: %v", err)
		}

		var serr *gferrors.StoreError
		if !errors.As(err, &serr) {
			t.Fatalf("expected *StoreError, got %T", err)
		}
		if serr.Op != "setnx" || serr.Key != "k" {
			t.Errorf("StoreError = %+v", serr)
		}

		h.outage(false)
		if err := h.store.Ping(ctx); err != nil {
			t.Errorf("Ping after outage: %v", err)
		}
	})

	t.Run("PushTrimRejectsZeroLength", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.PushTrim(context.Background(), "l", "x", 0, time.Minute)
		if !gferrors.IsValidationError(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}
