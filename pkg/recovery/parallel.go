package recovery

// task is one asynchronous unit of a broadcast: Send starts the work without
// blocking, Wait blocks until it has finished. Every broadcast in this
// package runs through parallelRun.
type task interface {
	Send()
	Wait()
}

// parallelRun executes tasks with at most maxActive outstanding at once.
// Tasks may complete in any order; the window refills as the oldest
// outstanding task is reaped. All tasks have completed when it returns.
func parallelRun(tasks []task, maxActive int) {
	if maxActive <= 0 {
		maxActive = 1
	}
	sent := 0
	for reaped := 0; reaped < len(tasks); reaped++ {
		for sent < len(tasks) && sent-reaped < maxActive {
			tasks[sent].Send()
			sent++
		}
		tasks[reaped].Wait()
	}
}
