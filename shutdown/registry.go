package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go_txt2img/logging"

	"go.uber.org/zap"
)

// Func releases one resource at exit.
type Func func(ctx context.Context) error

type hook struct {
	name     string
	priority int
	fn       Func
}

// Registry runs exit hooks in priority order, lowest first. The command
// registers the history writer drain before the database close so queued
// records reach the file.
type Registry struct {
	mu     sync.Mutex
	hooks  []hook
	closed bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds fn. Hooks registered after Run are ignored. Equal
// priorities run in registration order.
func (r *Registry) Register(name string, priority int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.hooks = append(r.hooks, hook{name: name, priority: priority, fn: fn})
}

// Run calls every hook once, even when earlier ones fail, and returns the
// failures joined. A second Run does nothing.
func (r *Registry) Run(ctx context.Context, logger *logging.Logger) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	hooks := r.sorted()
	r.mu.Unlock()

	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			logger.Warn("shutdown hook failed", zap.String("hook", h.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// Names returns hook names in the order Run calls them.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	hooks := r.sorted()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.name
	}
	return names
}

func (r *Registry) sorted() []hook {
	hooks := append([]hook(nil), r.hooks...)
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority < hooks[j].priority
	})
	return hooks
}
