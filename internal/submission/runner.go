package submission

import "sync"

// runner executes work items with bounded concurrency. Results are
// funnelled through one channel and handled by a single consumer, so the
// result callback never runs concurrently with itself.
type runner[T any, R any] struct {
	maxConcurrency int // 0 means unlimited
}

// run executes worker for each item and calls onResult for every result
// in completion order. It returns when all workers and callbacks are done.
func (r runner[T, R]) run(items []T, worker func(item T, results chan<- R), onResult func(R)) {
	if len(items) == 0 {
		return
	}

	results := make(chan R)
	var consumerWG sync.WaitGroup
	consumerWG.Add(1)
	go func() {
		defer consumerWG.Done()
		for result := range results {
			onResult(result)
		}
	}()

	var workersWG sync.WaitGroup

	// Throttle channel for limiting concurrency (if configured)
	var throttle chan struct{}
	if r.maxConcurrency > 0 {
		throttle = make(chan struct{}, r.maxConcurrency)
	}

	for _, item := range items {
		workersWG.Add(1)

		if throttle != nil {
			throttle <- struct{}{}
		}

		go func(item T) {
			defer workersWG.Done()
			if throttle != nil {
				defer func() { <-throttle }()
			}
			worker(item, results)
		}(item)
	}

	workersWG.Wait()
	close(results)
	consumerWG.Wait()
}
