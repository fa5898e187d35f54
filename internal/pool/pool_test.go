package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sqlx-go/sqlx/internal/conn"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// fakeConn is a minimal conn.Connection double used to exercise Pool
// without a real Postgres/MySQL server.
type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (f *fakeConn) State() conn.State                  { return conn.StateReady }
func (f *fakeConn) TxStatus() conn.TxStatus             { return conn.TxIdle }
func (f *fakeConn) ServerParams() map[string]string     { return nil }
func (f *fakeConn) Ping(ctx context.Context) error      { return nil }
func (f *fakeConn) Cancel(ctx context.Context) error    { return nil }
func (f *fakeConn) Exec(ctx context.Context, sql string) (conn.Result, error) {
	return conn.Result{}, nil
}
func (f *fakeConn) Query(ctx context.Context, sql string, h conn.RowHandler) (conn.Result, error) {
	return conn.Result{}, nil
}
func (f *fakeConn) Prepare(ctx context.Context, sql string) (*conn.Statement, error) {
	return &conn.Statement{SQL: sql}, nil
}
func (f *fakeConn) ExecPrepared(ctx context.Context, stmt *conn.Statement, params [][]byte) (conn.Result, error) {
	return conn.Result{}, nil
}
func (f *fakeConn) QueryPrepared(ctx context.Context, stmt *conn.Statement, params [][]byte, h conn.RowHandler) (conn.Result, error) {
	return conn.Result{}, nil
}
func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

func fakeConnectFunc() (ConnectFunc, *int32) {
	var n int32
	return func(ctx context.Context) (conn.Connection, error) {
		id := atomic.AddInt32(&n, 1)
		return &fakeConn{id: int(id)}, nil
	}, &n
}

func testPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	connect, n := fakeConnectFunc()
	p := testPool(t, Config{Connect: connect, MaxConns: 2})

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if *n != 1 {
		t.Fatalf("expected 1 dial, got %d", *n)
	}
	pc.Release()

	pc2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pc2.Release()
	if *n != 1 {
		t.Fatalf("expected the released connection to be reused, dialed %d times", *n)
	}
}

func TestAcquireUpToMaxConns(t *testing.T) {
	connect, _ := fakeConnectFunc()
	p := testPool(t, Config{Connect: connect, MaxConns: 2, AcquireTimeout: 50 * time.Millisecond})

	pc1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	pc2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	defer pc1.Release()
	defer pc2.Release()

	_, err = p.Acquire(context.Background())
	if !sqlerr.Is(err, sqlerr.PoolTimedOut) {
		t.Fatalf("expected PoolTimedOut once MaxConns is exhausted, got %v", err)
	}
}

func TestAcquireAfterCloseFails(t *testing.T) {
	connect, _ := fakeConnectFunc()
	p, err := New(context.Background(), Config{Connect: connect, MaxConns: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Close()

	_, err = p.Acquire(context.Background())
	if !sqlerr.Is(err, sqlerr.PoolClosed) {
		t.Fatalf("expected PoolClosed, got %v", err)
	}
}

func TestBeforeAcquireRejectsAndRetries(t *testing.T) {
	connect, n := fakeConnectFunc()
	var rejectNext atomic.Bool
	p := testPool(t, Config{
		Connect:  connect,
		MaxConns: 1,
		BeforeAcquire: func(ctx context.Context, c conn.Connection) bool {
			return !rejectNext.Swap(false)
		},
	})

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pc.Release()

	rejectNext.Store(true)
	pc2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after rejection: %v", err)
	}
	defer pc2.Release()

	if *n != 2 {
		t.Fatalf("expected before_acquire rejection to force a fresh dial, dialed %d times", *n)
	}
}

func TestAfterReleaseDiscardsConnection(t *testing.T) {
	connect, n := fakeConnectFunc()
	p := testPool(t, Config{
		Connect:  connect,
		MaxConns: 1,
		AfterRelease: func(c conn.Connection) bool {
			return false
		},
	})

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	fc := pc.Connection().(*fakeConn)
	pc.Release()

	if !fc.closed.Load() {
		t.Fatalf("expected connection to be destroyed when after_release returns false")
	}

	pc2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pc2.Release()
	if *n != 2 {
		t.Fatalf("expected a new dial after discard, dialed %d times", *n)
	}
}

func TestMinConnsOpenedEagerly(t *testing.T) {
	connect, n := fakeConnectFunc()
	p := testPool(t, Config{Connect: connect, MinConns: 3, MaxConns: 5})

	if *n != 3 {
		t.Fatalf("expected 3 eagerly-opened connections, got %d", *n)
	}
	if stats := p.Stats(); stats.IdleConns != 3 {
		t.Fatalf("expected 3 idle connections, got %d", stats.IdleConns)
	}
}

func TestConnectErrorPropagates(t *testing.T) {
	wantErr := errors.New("dial refused")
	p, err := New(context.Background(), Config{
		Connect: func(ctx context.Context) (conn.Connection, error) { return nil, wantErr },
		MaxConns: 1,
	})
	if err != nil {
		t.Fatalf("New should not fail without MinConns: %v", err)
	}
	defer p.Close()

	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatalf("expected Acquire to surface the connect error")
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	connect, _ := fakeConnectFunc()
	p, err := New(context.Background(), Config{Connect: connect, MaxConns: 1, AcquireTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pc.Release()

	var wg sync.WaitGroup
	wg.Add(1)
	errCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()
	wg.Wait()

	if err := <-errCh; !sqlerr.Is(err, sqlerr.PoolClosed) {
		t.Fatalf("expected waiting Acquire to be woken with PoolClosed, got %v", err)
	}
}

// TestFairFIFOOrdering is the boundary scenario from spec §8 item 1 in
// miniature: waiters should be served in the order they queued, not in
// whatever order their goroutines happen to wake up.
func TestFairFIFOOrdering(t *testing.T) {
	connect, _ := fakeConnectFunc()
	p := testPool(t, Config{Connect: connect, MaxConns: 1, AcquireTimeout: 5 * time.Second})

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	const waiters = 8
	order := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			w, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			order <- i
			w.Release()
		}()
		time.Sleep(5 * time.Millisecond) // register onto the waiter queue in order
	}

	pc.Release()

	got := make([]int, 0, waiters)
	for i := 0; i < waiters; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for waiter %d", i)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("waiters serviced out of registration order: %v", got)
		}
	}
}
