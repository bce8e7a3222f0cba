/*
Package workerpool provides a bounded pool of goroutines executing tasks.

The scheduler submits due tasks here, so a slow or panicking task never
stalls the scheduling loop. A panic inside a task is recovered, logged with
its stack and reported as the task's error.

Basic usage:

	pool, err := workerpool.NewWithConfig(workerpool.Config{
		WorkerCount: 4,
		QueueSize:   100,
		TaskTimeout: 30 * time.Second,
		Name:        "rules",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { <-pool.Shutdown() }()

	err = pool.Submit(workerpool.TaskFunc(func(ctx context.Context) error {
		return evaluate(ctx)
	}))

Shutdown stops accepting new tasks, runs everything already queued and
closes the returned channel when all workers have exited.
*/
package workerpool
