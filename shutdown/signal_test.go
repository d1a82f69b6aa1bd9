package shutdown

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestSignalCounter(t *testing.T) {
	var calls int
	counter := NewSignalCounter(2, func() { calls++ })

	if got := counter.Increment(); got != 1 {
		t.Errorf("first Increment() = %d, want 1", got)
	}
	if calls != 0 {
		t.Error("force callback ran before threshold")
	}
	if got := counter.Increment(); got != 2 {
		t.Errorf("second Increment() = %d, want 2", got)
	}
	counter.Increment()
	if calls != 2 {
		t.Errorf("force callback ran %d times, want 2", calls)
	}
	if counter.Count() != 3 {
		t.Errorf("Count() = %d, want 3", counter.Count())
	}
}

func TestSignalCounter_Concurrent(t *testing.T) {
	counter := NewSignalCounter(1000, nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counter.Increment()
		}()
	}
	wg.Wait()
	if counter.Count() != 100 {
		t.Errorf("Count() = %d, want 100", counter.Count())
	}
}

func TestInterrupt(t *testing.T) {
	forced := make(chan struct{}, 1)
	ctx, in := newInterrupt(context.Background(), nil, func() { forced <- struct{}{} })
	defer in.Stop()

	if in.Interrupted() {
		t.Fatal("Interrupted() = true before any signal")
	}

	in.signals <- syscall.SIGINT
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by first signal")
	}
	if !in.Interrupted() {
		t.Error("Interrupted() = false after signal")
	}

	select {
	case <-forced:
		t.Fatal("force callback ran on first signal")
	default:
	}

	in.signals <- syscall.SIGTERM
	select {
	case <-forced:
	case <-time.After(time.Second):
		t.Fatal("force callback did not run on second signal")
	}
}

func TestInterrupt_Stop(t *testing.T) {
	ctx, in := newInterrupt(context.Background(), nil, nil)
	in.Stop()
	in.Stop()

	select {
	case <-ctx.Done():
	default:
		t.Error("Stop() did not cancel the context")
	}
	if in.Interrupted() {
		t.Error("Interrupted() = true without a signal")
	}
}
