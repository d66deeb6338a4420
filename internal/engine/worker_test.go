package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func submitOK(t *testing.T, pool *WorkerPool, fn func(ctx context.Context) error) {
	t.Helper()
	if err := pool.Submit(context.Background(), fn); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
}

func TestWorkerPool_RunsWork(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran atomic.Int64
	submitOK(t, pool, func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	pool.Wait()

	if ran.Load() != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for i := 0; i < 4*size; i++ {
		submitOK(t, pool, func(ctx context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		})
	}
	pool.Wait()

	switch p := peak.Load(); {
	case p > size:
		t.Errorf("peak concurrency %d exceeded pool size %d", p, size)
	case p == 0:
		t.Error("no concurrent execution detected")
	}
}

func TestWorkerPool_SubmitBlocksWhenFull(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	submitOK(t, pool, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	second := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
		close(second)
	}()

	select {
	case <-second:
		t.Error("second submit should have blocked on the full pool")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Error("second submit did not unblock after the slot freed")
	}
	pool.Wait()
}

func TestWorkerPool_PanicDoesNotKillPool(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	submitOK(t, pool, func(ctx context.Context) error {
		panic("node blew up")
	})
	pool.Wait()

	if m := pool.Metrics(); m.Panics != 1 || m.Failed != 1 {
		t.Errorf("expected 1 panic / 1 failed, got %d / %d", m.Panics, m.Failed)
	}

	var ran atomic.Int64
	submitOK(t, pool, func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	pool.Wait()
	if ran.Load() != 1 {
		t.Error("work after panic did not execute")
	}
}

func TestWorkerPool_CancelWhileWaitingForSlot(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	submitOK(t, pool, func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}

	close(release)
	pool.Wait()
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var completed atomic.Int64
	for i := 0; i < 5; i++ {
		submitOK(t, pool, func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
			return nil
		})
	}

	pool.Shutdown()
	pool.Shutdown() // idempotent

	if c := completed.Load(); c != 5 {
		t.Errorf("expected 5 completed after shutdown, got %d", c)
	}

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_Metrics(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	boom := errors.New("node failed")
	for i := 0; i < 3; i++ {
		submitOK(t, pool, func(ctx context.Context) error { return nil })
	}
	for i := 0; i < 2; i++ {
		submitOK(t, pool, func(ctx context.Context) error { return boom })
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Completed != 3 || m.Failed != 2 || m.Active != 0 {
		t.Errorf("unexpected metrics after wait: %+v", m)
	}
}
