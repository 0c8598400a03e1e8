package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubmitOrdering(t *testing.T) {
	ctx := context.Background()
	q := New()
	t.Cleanup(q.Close)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	// Stall the queue so later submissions pile up before any run.
	release := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Submit(ctx, func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Submit(ctx, func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		// Give each submission time to enqueue so FIFO order is
		// observable.
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	if len(order) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(order))
	}
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("expected job %d at position %d, got %d", i+1, i, got)
		}
	}
}

func TestNoOverlap(t *testing.T) {
	ctx := context.Background()
	q := New()
	t.Cleanup(q.Close)

	var running, maxRunning int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Submit(ctx, func(ctx context.Context) (any, error) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()
	if maxRunning != 1 {
		t.Fatalf("expected concurrency 1, observed %d", maxRunning)
	}
}

func TestFailureDoesNotPoison(t *testing.T) {
	ctx := context.Background()
	q := New()
	t.Cleanup(q.Close)

	boom := errors.New("boom")
	if _, err := q.Submit(ctx, func(ctx context.Context) (any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	result, err := q.Submit(ctx, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("queue poisoned by earlier failure: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	q := New()
	t.Cleanup(q.Close)

	block := make(chan struct{})
	go q.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, func(ctx context.Context) (any, error) {
			close(ran)
			return nil, nil
		})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// The job stays queued and still runs; cancellation only detaches
	// the waiter.
	close(block)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued job never ran after waiter cancelled")
	}
}

func TestCloseRejectsQueued(t *testing.T) {
	q := New()

	block := make(chan struct{})
	go q.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	})
	time.Sleep(10 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := q.Submit(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	q.Close()
	close(block)

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := q.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
