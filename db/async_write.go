package db

import (
	"context"
	"sync"
	"time"
)

// DefaultChannelCapacity is the default buffer size for async writes.
const DefaultChannelCapacity = 100

// DefaultDrainTimeout bounds how long Close waits for pending writes.
const DefaultDrainTimeout = 30 * time.Second

// WriteOperation is a queued write.
type WriteOperation struct {
	Data      any
	Timestamp time.Time
}

// WriteHandler applies one queued write.
type WriteHandler func(op WriteOperation) error

// AsyncWriter applies writes on a background goroutine so that recording
// history never blocks image generation.
type AsyncWriter struct {
	writeChan    chan WriteOperation
	handler      WriteHandler
	onError      func(WriteOperation, error)
	drainTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
}

// AsyncWriterConfig holds configuration for the async writer.
type AsyncWriterConfig struct {
	// ChannelCapacity is the buffer size for pending writes
	ChannelCapacity int
	// DrainTimeout is the maximum wait time during Close
	DrainTimeout time.Duration
	// OnError receives handler failures. Nil discards them.
	OnError func(op WriteOperation, err error)
}

// DefaultAsyncWriterConfig returns the default configuration.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		ChannelCapacity: DefaultChannelCapacity,
		DrainTimeout:    DefaultDrainTimeout,
	}
}

// NewAsyncWriter creates a writer with the default configuration.
func NewAsyncWriter(handler WriteHandler) *AsyncWriter {
	return NewAsyncWriterWithConfig(handler, DefaultAsyncWriterConfig())
}

// NewAsyncWriterWithConfig creates a writer with custom configuration.
func NewAsyncWriterWithConfig(handler WriteHandler, config AsyncWriterConfig) *AsyncWriter {
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = DefaultChannelCapacity
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writeChan:    make(chan WriteOperation, config.ChannelCapacity),
		handler:      handler,
		onError:      config.OnError,
		drainTimeout: config.DrainTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the background goroutine. Calling it twice, or after
// Close, does nothing.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.closed {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.processWrites()
}

func (w *AsyncWriter) processWrites() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.drainChannel()
			return
		case op := <-w.writeChan:
			w.apply(op)
		}
	}
}

func (w *AsyncWriter) drainChannel() {
	for {
		select {
		case op := <-w.writeChan:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) apply(op WriteOperation) {
	if err := w.handler(op); err != nil && w.onError != nil {
		w.onError(op, err)
	}
}

// Write queues data without blocking. It returns false when the writer is
// not running or the buffer is full.
func (w *AsyncWriter) Write(data any) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started || w.closed {
		return false
	}
	select {
	case w.writeChan <- WriteOperation{Data: data, Timestamp: time.Now()}:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued writes.
func (w *AsyncWriter) Pending() int {
	return len(w.writeChan)
}

// Close stops accepting writes and waits up to the drain timeout for queued
// writes to be applied. It reports whether the drain finished in time.
func (w *AsyncWriter) Close() bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return true
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	w.cancel()
	if !started {
		return true
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(w.drainTimeout):
		return false
	}
}

// IsStarted reports whether the writer accepts writes.
func (w *AsyncWriter) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.closed
}
