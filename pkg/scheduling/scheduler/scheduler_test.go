package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	tu "github.com/vnykmshr/gatekeep/internal/testutil"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/scheduling/workerpool"
)

func newStarted(t *testing.T, cfg Config) Scheduler {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	s, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { <-s.Stop() })
	return s
}

func counting(n *int32) workerpool.Task {
	return workerpool.TaskFunc(func(context.Context) error {
		atomic.AddInt32(n, 1)
		return nil
	})
}

func TestScheduleAfterRunsOnce(t *testing.T) {
	s := newStarted(t, Config{})

	var runs int32
	if err := s.ScheduleAfter("once", counting(&runs), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	tu.WaitForInt32(t, &runs, 1, time.Second)
	time.Sleep(30 * time.Millisecond)
	tu.AssertEqual(t, atomic.LoadInt32(&runs), int32(1))
	tu.AssertEqual(t, len(s.List()), 0)
}

func TestScheduleRepeating(t *testing.T) {
	s := newStarted(t, Config{})

	var runs int32
	if err := s.ScheduleRepeating("tick", counting(&runs), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	tu.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
	tu.AssertEqual(t, s.Cancel("tick"), true)
	tu.AssertEqual(t, s.Cancel("tick"), false)
}

func TestScheduleCron(t *testing.T) {
	s := newStarted(t, Config{})

	var runs int32
	if err := s.ScheduleCron("every", "@every 1s", counting(&runs)); err != nil {
		t.Fatal(err)
	}
	tasks := s.List()
	tu.AssertEqual(t, len(tasks), 1)
	tu.AssertEqual(t, tasks[0].Cron, "@every 1s")
	tu.AssertEqual(t, tasks[0].RunAt.After(time.Now()), true)

	if err := s.ScheduleCron("five", "*/5 * * * *", counting(&runs)); err != nil {
		t.Errorf("five-field expression rejected: %v", err)
	}
	if err := s.ScheduleCron("six", "0 */5 * * * *", counting(&runs)); err != nil {
		t.Errorf("six-field expression rejected: %v", err)
	}
	if err := s.ScheduleCron("bad", "not a cron", counting(&runs)); !gferrors.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestDuplicateID(t *testing.T) {
	s, _ := New()
	defer func() { <-s.Stop() }()

	var runs int32
	if err := s.ScheduleAfter("dup", counting(&runs), time.Hour); err != nil {
		t.Fatal(err)
	}
	err := s.ScheduleAfter("dup", counting(&runs), time.Hour)
	if !errors.Is(err, ErrTaskExists) {
		t.Errorf("expected ErrTaskExists, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	s, _ := New()
	defer func() { <-s.Stop() }()

	var runs int32
	tests := []struct {
		name string
		err  error
	}{
		{"empty id", s.ScheduleAfter("", counting(&runs), time.Second)},
		{"long id", s.ScheduleAfter(strings.Repeat("x", 256), counting(&runs), time.Second)},
		{"nil task", s.ScheduleAfter("nil", nil, time.Second)},
		{"zero run time", s.Schedule("zero", counting(&runs), time.Time{})},
		{"zero interval", s.ScheduleRepeating("interval", counting(&runs), 0)},
		{"empty cron", s.ScheduleCron("cron", "", counting(&runs))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !gferrors.IsValidationError(tt.err) {
				t.Errorf("expected validation error, got %v", tt.err)
			}
		})
	}

	if _, err := NewWithConfig(Config{MaxTasks: -1}); !gferrors.IsValidationError(err) {
		t.Errorf("expected validation error for negative MaxTasks, got %v", err)
	}
}

func TestMaxTasks(t *testing.T) {
	s, _ := NewWithConfig(Config{MaxTasks: 2})
	defer func() { <-s.Stop() }()

	var runs int32
	_ = s.ScheduleAfter("a", counting(&runs), time.Hour)
	_ = s.ScheduleAfter("b", counting(&runs), time.Hour)
	err := s.ScheduleAfter("c", counting(&runs), time.Hour)
	if !errors.Is(err, gferrors.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}

	s.CancelAll()
	tu.AssertEqual(t, len(s.List()), 0)
}

func TestListOrdering(t *testing.T) {
	s, _ := New()
	defer func() { <-s.Stop() }()

	var runs int32
	base := time.Now().Add(time.Hour)
	_ = s.Schedule("late", counting(&runs), base.Add(time.Minute))
	_ = s.Schedule("b", counting(&runs), base)
	_ = s.Schedule("a", counting(&runs), base)

	tasks := s.List()
	tu.AssertEqual(t, tasks[0].ID, "a")
	tu.AssertEqual(t, tasks[1].ID, "b")
	tu.AssertEqual(t, tasks[2].ID, "late")
}

func TestStartStop(t *testing.T) {
	s, _ := New()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err == nil {
		t.Error("expected error starting a running scheduler")
	}

	<-s.Stop()
	<-s.Stop()

	if err := s.Start(); !errors.Is(err, gferrors.ErrClosed) {
		t.Errorf("expected ErrClosed restarting a stopped scheduler, got %v", err)
	}
	var runs int32
	if err := s.ScheduleAfter("late", counting(&runs), 0); !errors.Is(err, gferrors.ErrClosed) {
		t.Errorf("expected ErrClosed scheduling on a stopped scheduler, got %v", err)
	}
}

func TestFailingTasksKeepScheduling(t *testing.T) {
	m := metrics.Discard()
	s := newStarted(t, Config{Name: "rules", Metrics: m})

	var runs int32
	_ = s.ScheduleAfter("panics", workerpool.TaskFunc(func(context.Context) error {
		panic("boom")
	}), 0)
	_ = s.ScheduleAfter("fails", workerpool.TaskFunc(func(context.Context) error {
		return errors.New("failed")
	}), 0)
	_ = s.ScheduleAfter("ok", counting(&runs), 10*time.Millisecond)

	tu.WaitForInt32(t, &runs, 1, time.Second)
	tu.Eventually(t, func() bool {
		return testutil.ToFloat64(m.TasksFailed.WithLabelValues("rules")) == 2 &&
			testutil.ToFloat64(m.TasksCompleted.WithLabelValues("rules")) == 1
	}, time.Second, 5*time.Millisecond)
	tu.AssertEqual(t, testutil.ToFloat64(m.TasksScheduled.WithLabelValues("rules")), 3.0)
}

func TestSharedPoolIsNotShutDown(t *testing.T) {
	pool, err := workerpool.New(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { <-pool.Shutdown() }()

	s, _ := NewWithConfig(Config{WorkerPool: pool})
	_ = s.Start()
	<-s.Stop()

	var runs int32
	if err := pool.Submit(counting(&runs)); err != nil {
		t.Errorf("shared pool was shut down by scheduler: %v", err)
	}
}

func TestParseCron(t *testing.T) {
	sched, err := ParseCron("@every 30s")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tu.AssertEqual(t, sched.Next(now), now.Add(30*time.Second))
}
