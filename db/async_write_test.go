package db

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAsyncWriterBasicWrite(t *testing.T) {
	var mu sync.Mutex
	var received []any

	writer := NewAsyncWriter(func(op WriteOperation) error {
		mu.Lock()
		received = append(received, op.Data)
		mu.Unlock()
		return nil
	})
	writer.Start()

	for _, data := range []string{"first", "second", "third"} {
		if !writer.Write(data) {
			t.Errorf("Write(%q) = false, want true", data)
		}
	}
	if !writer.Close() {
		t.Fatal("Close() did not drain in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("received %d writes, want 3", len(received))
	}
	if received[0] != "first" || received[2] != "third" {
		t.Errorf("writes applied out of order: %v", received)
	}
}

func TestAsyncWriterNotStarted(t *testing.T) {
	writer := NewAsyncWriter(func(WriteOperation) error { return nil })

	if writer.IsStarted() {
		t.Error("IsStarted() = true before Start")
	}
	if writer.Write("x") {
		t.Error("Write() before Start = true, want false")
	}
	if !writer.Close() {
		t.Error("Close() on unstarted writer = false")
	}
}

func TestAsyncWriterChannelFull(t *testing.T) {
	release := make(chan struct{})
	writer := NewAsyncWriterWithConfig(func(WriteOperation) error {
		<-release
		return nil
	}, AsyncWriterConfig{ChannelCapacity: 2, DrainTimeout: 5 * time.Second})
	writer.Start()

	// The first write is taken by the handler, the next two fill the buffer.
	writer.Write(0)
	deadline := time.Now().Add(time.Second)
	for writer.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	writer.Write(1)
	writer.Write(2)

	if writer.Write(3) {
		t.Error("Write() on full buffer = true, want false")
	}
	if got := writer.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}

	close(release)
	writer.Close()
}

func TestAsyncWriterGracefulDrain(t *testing.T) {
	var processed int64
	writer := NewAsyncWriter(func(WriteOperation) error {
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&processed, 1)
		return nil
	})
	writer.Start()

	for i := 0; i < 20; i++ {
		writer.Write(i)
	}
	if !writer.Close() {
		t.Fatal("Close() did not drain in time")
	}
	if got := atomic.LoadInt64(&processed); got != 20 {
		t.Errorf("processed = %d, want 20", got)
	}
	if writer.Write("late") {
		t.Error("Write() after Close = true, want false")
	}
}

func TestAsyncWriterOnError(t *testing.T) {
	boom := errors.New("boom")
	var mu sync.Mutex
	var failures []error

	writer := NewAsyncWriterWithConfig(func(WriteOperation) error { return boom },
		AsyncWriterConfig{
			OnError: func(_ WriteOperation, err error) {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			},
		})
	writer.Start()
	writer.Write("x")
	writer.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || !errors.Is(failures[0], boom) {
		t.Errorf("failures = %v, want [boom]", failures)
	}
}

func TestAsyncWriterDoubleStart(t *testing.T) {
	writer := NewAsyncWriter(func(WriteOperation) error { return nil })
	writer.Start()
	writer.Start()
	if !writer.IsStarted() {
		t.Error("IsStarted() = false after Start")
	}
	writer.Close()
	if writer.IsStarted() {
		t.Error("IsStarted() = true after Close")
	}
	writer.Start()
	if writer.IsStarted() {
		t.Error("Start() after Close restarted the writer")
	}
}

func TestDefaultAsyncWriterConfig(t *testing.T) {
	config := DefaultAsyncWriterConfig()
	if config.ChannelCapacity != DefaultChannelCapacity {
		t.Errorf("ChannelCapacity = %d, want %d", config.ChannelCapacity, DefaultChannelCapacity)
	}
	if config.DrainTimeout != DefaultDrainTimeout {
		t.Errorf("DrainTimeout = %v, want %v", config.DrainTimeout, DefaultDrainTimeout)
	}
}
