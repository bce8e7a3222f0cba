/*
Package scheduler runs tasks at a point in time, on a fixed interval or on a
cron schedule, dispatching due tasks to a workerpool.Pool.

Rule evaluation uses it twice: delayed chain firings are one-time tasks
scheduled with ScheduleAfter, and the serve command drives evaluation cycles
through ScheduleCron.

Basic usage:

	s, err := scheduler.NewWithConfig(scheduler.Config{Name: "rules"})
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	defer func() { <-s.Stop() }()

	task := workerpool.TaskFunc(func(ctx context.Context) error {
		return evaluate(ctx)
	})

	s.ScheduleAfter("escalate:snap-1", task, 5*time.Minute)
	s.ScheduleRepeating("heartbeat", task, 30*time.Second)
	s.ScheduleCron("evaluate", "@every 30s", task)

Cron expressions accept five fields, six fields with a leading seconds field,
and descriptors such as "@hourly". They are evaluated in Config.Location.

Task ids are unique: scheduling an id that is already pending returns
ErrTaskExists. A one-time task is removed once it is dispatched.

The tick loop never runs task code itself. Task errors and panics are
handled by the pool, logged and counted in the scheduler metrics.
*/
package scheduler
