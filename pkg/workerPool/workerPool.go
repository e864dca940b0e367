// Package workerpool bounds the parallelism of batches of independent
// file-grained tasks, such as digesting every log file of a dataset.
package workerpool

import (
	"runtime"
	"sync"
)

// Pool runs batches of tasks on a fixed number of workers.
type Pool struct {
	workers int
}

// New returns a pool with the given worker count. A count below one sizes
// the pool from the CPU count.
func New(workers int) *Pool {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Run executes all tasks and waits for them to finish. Every task runs even
// when an earlier one fails; the first error observed is returned.
func (p *Pool) Run(tasks ...func() error) error {
	if len(tasks) == 0 {
		return nil
	}
	workers := p.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	queue := make(chan func() error)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for task := range queue {
				if err := task(); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}
	for _, task := range tasks {
		queue <- task
	}
	close(queue)
	wg.Wait()
	return firstErr
}
