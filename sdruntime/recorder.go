package sdruntime

import (
	"context"
	"time"
)

// LoadRecord describes one pipeline load attempt.
type LoadRecord struct {
	Model    string
	Revision string
	Strategy LoadStrategy
	Duration time.Duration
	Err      error
}

// GenerationRecord describes one GenerateImage call.
type GenerationRecord struct {
	RequestID string
	Model     string
	Engine    string
	Params    GenerateParams
	Duration  time.Duration
	Err       error
}

// Recorder persists load and generation history. Recorder failures are
// logged and never fail the recorded operation.
type Recorder interface {
	RecordLoad(ctx context.Context, rec LoadRecord) error
	RecordGeneration(ctx context.Context, rec GenerationRecord) error
}

type requestIDKey struct{}

// WithRequestID attaches the id GenerateImage records its call under.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}
