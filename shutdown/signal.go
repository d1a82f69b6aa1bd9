// Package shutdown turns interrupt signals into context cancellation and
// runs exit hooks.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go_txt2img/logging"

	"go.uber.org/zap"
)

// ForceAfter is the number of signals after which the force callback runs.
const ForceAfter = 2

// SignalCounter counts received signals and calls onForce once the count
// reaches forceAfter.
type SignalCounter struct {
	mu         sync.Mutex
	count      int
	forceAfter int
	onForce    func()
}

// NewSignalCounter creates a counter. onForce may be nil.
func NewSignalCounter(forceAfter int, onForce func()) *SignalCounter {
	return &SignalCounter{forceAfter: forceAfter, onForce: onForce}
}

// Increment records one signal and returns the new count. onForce runs
// while the lock is held.
func (s *SignalCounter) Increment() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if s.count >= s.forceAfter && s.onForce != nil {
		s.onForce()
	}
	return s.count
}

// Count returns the number of signals received.
func (s *SignalCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Interrupt cancels a context on the first SIGINT or SIGTERM and calls a
// force callback on the second.
type Interrupt struct {
	counter *SignalCounter
	signals chan os.Signal
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	logger  *logging.Logger
}

// WithInterrupt returns a context cancelled by the first interrupt signal.
// onForce runs on the second; the command passes a function that exits
// with the SIGINT exit code. Call Stop to restore default signal handling.
func WithInterrupt(parent context.Context, logger *logging.Logger, onForce func()) (context.Context, *Interrupt) {
	ctx, in := newInterrupt(parent, logger, onForce)
	signal.Notify(in.signals, os.Interrupt, syscall.SIGTERM)
	return ctx, in
}

func newInterrupt(parent context.Context, logger *logging.Logger, onForce func()) (context.Context, *Interrupt) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	in := &Interrupt{
		counter: NewSignalCounter(ForceAfter, onForce),
		signals: make(chan os.Signal, ForceAfter),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
	}
	go in.watch()
	return ctx, in
}

func (in *Interrupt) watch() {
	for {
		select {
		case <-in.done:
			return
		case sig := <-in.signals:
			if in.counter.Increment() == 1 {
				in.logger.Warn("interrupt received, cancelling", zap.String("signal", sig.String()))
				in.cancel()
			}
		}
	}
}

// Interrupted reports whether a signal was received.
func (in *Interrupt) Interrupted() bool {
	return in.counter.Count() > 0
}

// Stop stops signal delivery and cancels the context.
func (in *Interrupt) Stop() {
	in.once.Do(func() {
		signal.Stop(in.signals)
		close(in.done)
		in.cancel()
	})
}
