package pool

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPool(t *testing.T, maxSize int, timeout time.Duration) *Pool {
	t.Helper()

	cfg := DefaultConfig(filepath.Join(t.TempDir(), "pool.db"))
	cfg.MaxSize = maxSize
	cfg.AcquireTimeout = timeout

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAcquireRelease(t *testing.T) {
	p := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if p.InUse() != 1 {
		t.Errorf("expected 1 in use, got %d", p.InUse())
	}

	// The connection must actually reach the database.
	var one int
	if err := c.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		t.Fatalf("query on pooled connection failed: %v", err)
	}

	p.Release(c)
	if p.Idle() != 1 {
		t.Errorf("expected 1 idle, got %d", p.Idle())
	}

	// A second acquire reuses the idle connection rather than opening
	// another.
	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if p.InUse() != 1 {
		t.Errorf("expected 1 in use after reuse, got %d", p.InUse())
	}
	p.Release(c2)
}

// TestBoundedCheckout verifies the pool invariant: concurrent checkouts
// never exceed MaxSize.
func TestBoundedCheckout(t *testing.T) {
	const maxSize = 4
	p := newTestPool(t, maxSize, 5*time.Second)
	ctx := context.Background()

	var inUse, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, err := p.Acquire(ctx)
				if err != nil {
					t.Errorf("acquire failed: %v", err)
					return
				}
				n := atomic.AddInt64(&inUse, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&inUse, -1)
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > maxSize {
		t.Errorf("checkout count exceeded pool size: peak %d > %d", got, maxSize)
	}
}

// TestAcquireTimeout verifies a saturated pool fails with ErrPoolExhausted
// no earlier than the timeout and without hanging.
func TestAcquireTimeout(t *testing.T) {
	const timeout = 100 * time.Millisecond
	p := newTestPool(t, 1, timeout)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer p.Release(c)

	start := time.Now()
	_, err = p.Acquire(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if elapsed < timeout {
		t.Errorf("returned before timeout: %s < %s", elapsed, timeout)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("took far longer than timeout: %s", elapsed)
	}
}

// TestReleaseWakesWaiter verifies a blocked Acquire is woken by Release
// rather than waiting out its timeout.
func TestReleaseWakesWaiter(t *testing.T) {
	p := newTestPool(t, 1, 5*time.Second)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		c2, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("waiter acquire failed: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		p.Release(c2)
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(c)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestAcquireContextCancel(t *testing.T) {
	p := newTestPool(t, 1, 5*time.Second)

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer p.Release(c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline error, got %v", err)
	}
}

func TestClose(t *testing.T) {
	p := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	p.Release(c)

	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := p.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}

	// Closing twice is a no-op.
	if err := p.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

// TestCloseUnblocksWaiter verifies Close fails blocked acquires immediately.
func TestCloseUnblocksWaiter(t *testing.T) {
	p := newTestPool(t, 1, 10*time.Second)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("expected ErrPoolClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not unblocked by close")
	}

	// A connection checked out across Close is closed on release.
	p.Release(c)
}

// TestDoubleReleaseIgnored verifies releasing the same handle twice does
// not place it in the idle set twice or skew the counters.
func TestDoubleReleaseIgnored(t *testing.T) {
	p := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	p.Release(c)
	p.Release(c)

	if p.Idle() != 1 {
		t.Fatalf("expected 1 idle after double release, got %d", p.Idle())
	}
	if p.InUse() != 0 {
		t.Fatalf("expected 0 in use after double release, got %d", p.InUse())
	}

	// Two fresh acquires must hand out two distinct connections.
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if c1 == c2 {
		t.Fatal("double release handed the same connection to two callers")
	}
	p.Release(c1)
	p.Release(c2)
}

// TestCloseConcurrentRelease races Close against in-flight releases; no
// connection may land in the idle set after the drain finished.
func TestCloseConcurrentRelease(t *testing.T) {
	for i := 0; i < 50; i++ {
		p := newTestPool(t, 4, time.Second)
		ctx := context.Background()

		conns := make([]*Conn, 0, 4)
		for j := 0; j < 4; j++ {
			c, err := p.Acquire(ctx)
			if err != nil {
				t.Fatalf("acquire failed: %v", err)
			}
			conns = append(conns, c)
		}

		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *Conn) {
				defer wg.Done()
				p.Release(c)
			}(c)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Close()
		}()
		wg.Wait()

		if p.Idle() != 0 {
			t.Fatalf("iteration %d: %d connections idle after close", i, p.Idle())
		}
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{Path: "", MaxSize: 1}); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := New(Config{Path: "x.db", MaxSize: -1}); err == nil {
		t.Error("expected error for negative size")
	}
}
