package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/scheduling/workerpool"
)

// ErrTaskExists is returned when a task id is already scheduled.
var ErrTaskExists = errors.New("task already scheduled")

const maxIDLength = 255

// Task describes a scheduled task.
type Task struct {
	ID       string
	RunAt    time.Time
	Interval time.Duration // Zero for one-time and cron tasks
	Cron     string
	Created  time.Time
}

// Scheduler provides task scheduling with cron support.
type Scheduler interface {
	// Basic scheduling
	Schedule(id string, task workerpool.Task, runAt time.Time) error
	ScheduleAfter(id string, task workerpool.Task, delay time.Duration) error
	ScheduleRepeating(id string, task workerpool.Task, interval time.Duration) error

	// Cron scheduling
	ScheduleCron(id string, cronExpr string, task workerpool.Task) error

	// Task management
	Cancel(id string) bool
	CancelAll()
	List() []Task

	// Lifecycle
	Start() error
	Stop() <-chan struct{}
}

// Config holds scheduler configuration.
type Config struct {
	WorkerPool   workerpool.Pool
	Location     *time.Location // For cron scheduling
	TickInterval time.Duration  // How often to check for ready tasks (default: 50ms)
	MaxTasks     int            // Maximum number of scheduled tasks (default: 10000)
	Name         string         // Metrics label (default: "default")

	Logger  *zap.Logger
	Metrics *metrics.Registry
}

type scheduledTask struct {
	id           string
	task         workerpool.Task
	runAt        time.Time
	interval     time.Duration
	cronExpr     string
	cronSchedule cron.Schedule
	created      time.Time
}

type scheduler struct {
	pool         workerpool.Pool
	ownPool      bool
	location     *time.Location
	tickInterval time.Duration
	maxTasks     int
	name         string
	cronParser   cron.Parser
	logger       *zap.Logger
	metrics      *metrics.Registry

	mu      sync.RWMutex
	tasks   map[string]*scheduledTask
	done    chan struct{}
	exited  chan struct{}
	running bool
	stopped bool
}

// ParseCron parses a cron expression the way ScheduleCron does. Both five-
// and six-field (leading seconds) forms are accepted, as are descriptors such
// as "@hourly" and "@every 30s".
func ParseCron(expr string) (cron.Schedule, error) {
	return newParser().Parse(expr)
}

func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// New creates a scheduler with default configuration.
func New() (Scheduler, error) {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a scheduler with custom configuration. When no pool
// is supplied the scheduler owns one and shuts it down on Stop.
func NewWithConfig(cfg Config) (Scheduler, error) {
	if cfg.MaxTasks < 0 {
		return nil, gferrors.NewValidationError("scheduler", "maxTasks", cfg.MaxTasks, "cannot be negative")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	pool := cfg.WorkerPool
	ownPool := false
	if pool == nil {
		var err error
		pool, err = workerpool.NewWithConfig(workerpool.Config{
			WorkerCount: 4,
			QueueSize:   100,
			Name:        cfg.Name,
			Logger:      cfg.Logger,
			Metrics:     cfg.Metrics,
		})
		if err != nil {
			return nil, err
		}
		ownPool = true
	}

	location := cfg.Location
	if location == nil {
		location = time.Local
	}

	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}

	maxTasks := cfg.MaxTasks
	if maxTasks == 0 {
		maxTasks = 10000
	}

	return &scheduler{
		pool:         pool,
		ownPool:      ownPool,
		location:     location,
		tickInterval: tickInterval,
		maxTasks:     maxTasks,
		name:         cfg.Name,
		cronParser:   newParser(),
		logger:       cfg.Logger.Named("scheduler").With(zap.String("scheduler", cfg.Name)),
		metrics:      cfg.Metrics,
		tasks:        make(map[string]*scheduledTask),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}, nil
}

func validateTask(id string, task workerpool.Task) error {
	if id == "" {
		return gferrors.NewValidationError("scheduler", "id", id, "cannot be empty")
	}
	if len(id) > maxIDLength {
		return gferrors.NewValidationError("scheduler", "id", len(id), "too long").
			WithHint(fmt.Sprintf("use at most %d characters", maxIDLength))
	}
	if task == nil {
		return gferrors.NewValidationError("scheduler", "task", nil, "cannot be nil")
	}
	return nil
}

// add registers st; the caller has validated it.
func (s *scheduler) add(st *scheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("cannot schedule task %q: %w", st.id, gferrors.ErrClosed)
	}
	if _, exists := s.tasks[st.id]; exists {
		return fmt.Errorf("%w: %q", ErrTaskExists, st.id)
	}
	if len(s.tasks) >= s.maxTasks {
		return fmt.Errorf("cannot schedule task: maximum number of tasks (%d) reached: %w",
			s.maxTasks, gferrors.ErrCapacityExceeded)
	}

	s.tasks[st.id] = st
	s.metrics.TasksScheduled.WithLabelValues(s.name).Inc()
	return nil
}

func (s *scheduler) Schedule(id string, task workerpool.Task, runAt time.Time) error {
	if err := validateTask(id, task); err != nil {
		return err
	}
	if runAt.IsZero() {
		return gferrors.NewValidationError("scheduler", "runAt", runAt, "cannot be zero")
	}
	return s.add(&scheduledTask{id: id, task: task, runAt: runAt, created: time.Now()})
}

func (s *scheduler) ScheduleAfter(id string, task workerpool.Task, delay time.Duration) error {
	return s.Schedule(id, task, time.Now().Add(delay))
}

func (s *scheduler) ScheduleRepeating(id string, task workerpool.Task, interval time.Duration) error {
	if err := validateTask(id, task); err != nil {
		return err
	}
	if interval <= 0 {
		return gferrors.NewValidationError("scheduler", "interval", interval, "must be positive")
	}
	now := time.Now()
	return s.add(&scheduledTask{id: id, task: task, runAt: now, interval: interval, created: now})
}

func (s *scheduler) ScheduleCron(id string, cronExpr string, task workerpool.Task) error {
	if err := validateTask(id, task); err != nil {
		return err
	}
	if cronExpr == "" {
		return gferrors.NewValidationError("scheduler", "cronExpr", cronExpr, "cannot be empty")
	}

	schedule, err := s.cronParser.Parse(cronExpr)
	if err != nil {
		return gferrors.NewValidationError("scheduler", "cronExpr", cronExpr, err.Error())
	}

	now := time.Now()
	return s.add(&scheduledTask{
		id:           id,
		task:         task,
		runAt:        schedule.Next(now.In(s.location)),
		cronExpr:     cronExpr,
		cronSchedule: schedule,
		created:      now,
	})
}

func (s *scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		delete(s.tasks, id)
		return true
	}
	return false
}

func (s *scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*scheduledTask)
}

func (s *scheduler) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, Task{
			ID:       t.id,
			RunAt:    t.runAt,
			Interval: t.interval,
			Cron:     t.cronExpr,
			Created:  t.created,
		})
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].RunAt.Equal(tasks[j].RunAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].RunAt.Before(tasks[j].RunAt)
	})

	return tasks
}

func (s *scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("cannot start scheduler: %w", gferrors.ErrClosed)
	}
	if s.running {
		return fmt.Errorf("scheduler already running, call Stop() first")
	}

	s.running = true
	go s.run(time.NewTicker(s.tickInterval))
	return nil
}

// Stop halts the tick loop. Tasks already handed to the pool keep running;
// an owned pool is drained before the returned channel closes.
func (s *scheduler) Stop() <-chan struct{} {
	s.mu.Lock()
	wasRunning := s.running
	if !s.stopped {
		s.stopped = true
		s.running = false
		close(s.done)
	}
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if wasRunning {
			<-s.exited
		}
		if s.ownPool {
			<-s.pool.Shutdown()
		}
	}()
	return stopped
}

func (s *scheduler) run(ticker *time.Ticker) {
	defer close(s.exited)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *scheduler) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	s.processReadyTasks(time.Now())
}

func (s *scheduler) processReadyTasks(now time.Time) {
	s.mu.Lock()
	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return
	}

	ready := make([]*scheduledTask, 0, len(s.tasks))
	for id, task := range s.tasks {
		if task.runAt.After(now) {
			continue
		}
		ready = append(ready, task)

		switch {
		case task.interval > 0:
			task.runAt = now.Add(task.interval)
		case task.cronSchedule != nil:
			task.runAt = task.cronSchedule.Next(now.In(s.location))
		default:
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()

	for _, task := range ready {
		if err := s.pool.Submit(s.instrument(task)); err != nil {
			s.metrics.TasksFailed.WithLabelValues(s.name).Inc()
			s.logger.Warn("task submission failed", zap.String("task", task.id), zap.Error(err))
		}
	}
}

// instrument wraps a due task with execution metrics and error logging.
func (s *scheduler) instrument(st *scheduledTask) workerpool.Task {
	return workerpool.TaskFunc(func(ctx context.Context) error {
		s.metrics.TasksExecuted.WithLabelValues(s.name).Inc()
		start := time.Now()

		failed := true
		defer func() {
			s.metrics.TaskExecutionDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
			if failed {
				s.metrics.TasksFailed.WithLabelValues(s.name).Inc()
			} else {
				s.metrics.TasksCompleted.WithLabelValues(s.name).Inc()
			}
		}()

		if err := st.task.Execute(ctx); err != nil {
			s.logger.Warn("scheduled task failed", zap.String("task", st.id), zap.Error(err))
			return err
		}
		failed = false
		return nil
	})
}
