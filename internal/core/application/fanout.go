package application

import (
	"runtime"
	"sync"
)

// workPool fans items out to a fixed set of workers and returns the first
// error, leaving remaining items unprocessed.
func workPool[T any](items []T, workers int, processItem func(item T) error) error {
	errChan := make(chan error, 1)
	workChan := make(chan T)

	var wg sync.WaitGroup
	wg.Add(workers)

	// launch workers
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for item := range workChan {
				if err := processItem(item); err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
			}
		}()
	}

	// distribute tasks
	go func() {
		for _, item := range items {
			select {
			case err := <-errChan:
				close(workChan)
				errChan <- err
				return
			default:
				workChan <- item
			}
		}
		close(workChan)
	}()

	// wait for all workers to finish
	wg.Wait()

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

// collectPool runs processItem over every item in parallel and gathers the
// results keyed by the item key. Collection stops at the first error.
func collectPool[T, R any](
	items []T, key func(item T) string, processItem func(item T) (R, error),
) (map[string]R, error) {
	locker := sync.Mutex{}
	results := make(map[string]R, len(items))

	workers := runtime.NumCPU()
	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		workers = 1
	}

	if err := workPool(items, workers, func(item T) error {
		result, err := processItem(item)
		if err != nil {
			return err
		}

		locker.Lock()
		results[key(item)] = result
		locker.Unlock()
		return nil
	}); err != nil {
		return nil, err
	}

	return results, nil
}
