package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEventWith(t *testing.T) {
	e := NewEvent(TypeLoginLocked, "user:1", time.Unix(100, 0))
	e2 := e.With("retry_after", "1800")

	assert.NotEmpty(t, e.ID)
	assert.Nil(t, e.Metadata, "original must not be mutated")
	assert.Equal(t, "1800", e2.Metadata["retry_after"])
	assert.Equal(t, e.ID, e2.ID)
}

func TestMultiAndRecorder(t *testing.T) {
	var a, b Recorder
	sink := Multi(&a, nil, &b)

	sink.Emit(context.Background(), NewEvent(TypeLoginFailure, "x", time.Now()))
	sink.Emit(context.Background(), NewEvent(TypeLoginSuccess, "x", time.Now()))

	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.OfType(TypeLoginSuccess), 1)
}

func TestAsyncSinkDelivers(t *testing.T) {
	var rec Recorder
	a := NewAsync(&rec, AsyncConfig{BufferSize: 16})

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 10; i++ {
		a.Emit(ctx, NewEvent(TypeRuleFired, "r", time.Now()))
	}
	cancel()
	require.NoError(t, a.Close())

	assert.Len(t, rec.Events(), 10)

	// Emit after close is a no-op.
	a.Emit(context.Background(), NewEvent(TypeRuleFired, "r", time.Now()))
	assert.Len(t, rec.Events(), 10)
	require.NoError(t, a.Close())
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var delivered int32
	blocking := SinkFunc(func(context.Context, Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		atomic.AddInt32(&delivered, 1)
	})

	m := metrics.Discard()
	a := NewAsync(blocking, AsyncConfig{BufferSize: 1, Metrics: m})

	a.Emit(context.Background(), NewEvent(TypeLoginFailure, "x", time.Now()))
	<-started

	// One event in flight, one queued, the rest dropped.
	for i := 0; i < 4; i++ {
		a.Emit(context.Background(), NewEvent(TypeLoginFailure, "x", time.Now()))
	}
	close(release)
	require.NoError(t, a.Close())

	assert.Equal(t, int32(2), atomic.LoadInt32(&delivered))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AuditDropped))
}

func TestAsyncSinkRecoversPanic(t *testing.T) {
	var calls int32
	a := NewAsync(SinkFunc(func(context.Context, Event) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
	}), AsyncConfig{})

	a.Emit(context.Background(), NewEvent(TypeRuleFired, "a", time.Now()))
	a.Emit(context.Background(), NewEvent(TypeRuleFired, "b", time.Now()))
	require.NoError(t, a.Close())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAsyncSinkConcurrentEmitAndClose(t *testing.T) {
	var rec Recorder
	a := NewAsync(&rec, AsyncConfig{BufferSize: 4096})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Emit(context.Background(), NewEvent(TypeLoginFailure, "x", time.Now()))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, a.Close())
	assert.Len(t, rec.Events(), 800)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := metrics.Discard()
	sink := NewLogSink(zap.New(core), m)

	sink.Emit(context.Background(), NewEvent(TypeLoginLocked, "user:7", time.Unix(10, 0)).With("retry_after", "60"))

	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, TypeLoginLocked, fields["type"])
	assert.Equal(t, "user:7", fields["identifier"])
	assert.Equal(t, "60", fields["retry_after"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditEvents.WithLabelValues(TypeLoginLocked)))
}

func TestStoreSink(t *testing.T) {
	st := store.NewMemory(nil)
	sink := NewStoreSink(st, StoreSinkConfig{Key: "audit", MaxEvents: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		sink.Emit(ctx, NewEvent(TypeLoginFailure, id, time.Unix(1, 0)))
	}

	events, err := sink.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Identifier)
	assert.Equal(t, "c", events[1].Identifier)
}

func TestStoreSinkToleratesOutage(t *testing.T) {
	st := store.NewMemory(nil)
	st.SetOutage(assert.AnError)
	core, logs := observer.New(zap.WarnLevel)
	sink := NewStoreSink(st, StoreSinkConfig{Logger: zap.New(core)})

	sink.Emit(context.Background(), NewEvent(TypeLoginFailure, "x", time.Now()))
	assert.Equal(t, 1, logs.FilterMessage("audit persist failed").Len())
}
