package sdruntime

import (
	"context"
	"sync"
)

// Holder owns the process-wide pipeline. It is filled at most once; a
// failed load leaves it empty so the next call loads again. Concurrent
// callers wait for an in-flight load instead of starting their own.
type Holder struct {
	mu       sync.Mutex
	pipeline *Pipeline
}

// Get returns the held pipeline, calling load if none is held yet.
func (h *Holder) Get(ctx context.Context, load func(context.Context) (*Pipeline, error)) (*Pipeline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pipeline != nil {
		return h.pipeline, nil
	}
	p, err := load(ctx)
	if err != nil {
		return nil, err
	}
	h.pipeline = p
	return p, nil
}

// Loaded returns the held pipeline without loading.
func (h *Holder) Loaded() (*Pipeline, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pipeline, h.pipeline != nil
}
