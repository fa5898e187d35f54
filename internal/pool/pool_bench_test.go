package pool

import (
	"context"
	"sync"
	"testing"
	"time"
)

// newBenchPool creates a Pool of n fake connections with a large
// AcquireTimeout so waits don't skew results.
func newBenchPool(b *testing.B, n int32) *Pool {
	b.Helper()
	connect, _ := fakeConnectFunc()
	p, err := New(context.Background(), Config{
		Connect:        connect,
		MinConns:       n,
		MaxConns:       n,
		AcquireTimeout: 30 * time.Second,
	})
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	return p
}

// BenchmarkAcquireReturn measures the throughput of a single goroutine
// repeatedly acquiring and immediately releasing a connection.
// Pool size = 1 so no contention; measures pure acquire/release overhead.
func BenchmarkAcquireReturn(b *testing.B) {
	p := newBenchPool(b, 1)
	defer p.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pc, err := p.Acquire(ctx)
		if err != nil {
			b.Fatalf("Acquire failed: %v", err)
		}
		pc.Release()
	}
}

// BenchmarkAcquireReturnParallel measures throughput under concurrent
// access with a pool sized so goroutines rarely wait.
func BenchmarkAcquireReturnParallel(b *testing.B) {
	p := newBenchPool(b, 12)
	defer p.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pc, err := p.Acquire(ctx)
			if err != nil {
				continue
			}
			pc.Release()
		}
	})
}

// BenchmarkAcquireContended measures latency when goroutines compete
// for fewer connections than goroutines.
func BenchmarkAcquireContended(b *testing.B) {
	const poolSize = 4
	p := newBenchPool(b, poolSize)
	defer p.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pc, err := p.Acquire(ctx)
			if err != nil {
				continue
			}
			time.Sleep(time.Microsecond)
			pc.Release()
		}
	})
}

// BenchmarkPoolStats measures the overhead of reading pool stats, which
// internal/api polls for /pools/{name}/stats.
func BenchmarkPoolStats(b *testing.B) {
	p := newBenchPool(b, 4)
	defer p.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.Stats()
	}
}

// BenchmarkConcurrentAcquireReturnThroughput measures aggregate ops/sec
// with a realistic worker-pool pattern: N workers each acquire, do
// negligible work, and release.
func BenchmarkConcurrentAcquireReturnThroughput(b *testing.B) {
	const poolSize = 8
	p := newBenchPool(b, poolSize)
	defer p.Close()

	ctx := context.Background()
	const workers = 32
	work := make(chan struct{}, b.N)
	for i := 0; i < b.N; i++ {
		work <- struct{}{}
	}
	close(work)

	b.ResetTimer()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				pc, err := p.Acquire(ctx)
				if err != nil {
					continue
				}
				pc.Release()
			}
		}()
	}
	wg.Wait()
}
