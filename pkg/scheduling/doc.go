/*
Package scheduling groups the task execution primitives behind rule
evaluation.

  - workerpool: bounded pool of workers with per-task panic isolation
  - scheduler: one-time, repeating and cron tasks dispatched to a pool

Delayed chain firings are scheduled as one-time tasks, and the serve command
runs periodic evaluation cycles from a cron expression:

	pool, _ := workerpool.NewWithConfig(workerpool.Config{WorkerCount: 4, QueueSize: 64, Name: "rules"})
	s, _ := scheduler.NewWithConfig(scheduler.Config{WorkerPool: pool, Name: "rules"})
	_ = s.Start()
	_ = s.ScheduleCron("evaluate", "@every 30s", evaluateTask)
*/
package scheduling
