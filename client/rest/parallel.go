package rest

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/time/rate"
)

// Outcome carries either the value produced by one parallel job or the
// error it failed with. Errors are captured in place and never propagated,
// so the caller decides how to handle partial failures.
type Outcome[T any] struct {
	Value T
	Err   error
}

// ParallelOptions bounds a parallel execution.
type ParallelOptions struct {
	// MaxWorkers caps concurrently running jobs. Zero picks a runtime
	// default of min(32, 4×GOMAXPROCS).
	MaxWorkers int

	// MaxPerSecond caps job starts per wall-clock second. Zero means 20.
	MaxPerSecond int
}

func (o ParallelOptions) normalize() ParallelOptions {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4 * runtime.GOMAXPROCS(0)
		if o.MaxWorkers > 32 {
			o.MaxWorkers = 32
		}
	}
	if o.MaxPerSecond <= 0 {
		o.MaxPerSecond = 20
	}
	return o
}

// ParallelList runs the given jobs concurrently, bounded by the options,
// and returns outcomes in the same order as the input.
func ParallelList[T any](jobs []func() (T, error), opts ParallelOptions) []Outcome[T] {
	results := make([]Outcome[T], len(jobs))
	runParallel(len(jobs), opts, func(i int) {
		v, err := jobs[i]()
		results[i] = Outcome[T]{Value: v, Err: err}
	})
	return results
}

// ParallelMap runs the given jobs concurrently, bounded by the options, and
// returns outcomes keyed like the input.
func ParallelMap[K comparable, T any](jobs map[K]func() (T, error), opts ParallelOptions) map[K]Outcome[T] {
	keys := make([]K, 0, len(jobs))
	for k := range jobs {
		keys = append(keys, k)
	}

	var mtx sync.Mutex
	results := make(map[K]Outcome[T], len(jobs))
	runParallel(len(keys), opts, func(i int) {
		k := keys[i]
		v, err := jobs[k]()
		mtx.Lock()
		results[k] = Outcome[T]{Value: v, Err: err}
		mtx.Unlock()
	})
	return results
}

// runParallel dispatches n jobs over a bounded worker pool. Each job start
// consumes a token from the per-second limiter, so no more than
// MaxPerSecond jobs begin within any one-second window.
func runParallel(n int, opts ParallelOptions, run func(i int)) {
	if n == 0 {
		return
	}
	opts = opts.normalize()

	limiter := rate.NewLimiter(rate.Limit(opts.MaxPerSecond), 1)

	workers := opts.MaxWorkers
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				_ = limiter.Wait(context.Background())
				run(i)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}
