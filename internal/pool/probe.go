package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Probe acquires a connection, pings it, and releases it: the liveness
// check an admin surface runs against one named profile's pool.
func (p *Pool) Probe(ctx context.Context) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.Release()
	return pc.Ping(ctx)
}

// ProbeAll pings every pool in pools concurrently, bounded by
// concurrency simultaneous in-flight probes. Grounded on the teacher's
// health/checker.go, which hand-rolled the same bound with a
// chan struct{}; here the bound is golang.org/x/sync/semaphore, matching
// the worker-pool pattern internal/describe's Postgres adapter already
// uses for its own fan-out.
func ProbeAll(ctx context.Context, pools map[string]*Pool, concurrency int64) map[string]error {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)
	results := make(map[string]error, len(pools))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, p := range pools {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			results[name] = err
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name string, p *Pool) {
			defer wg.Done()
			defer sem.Release(1)
			err := p.Probe(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return results
}
