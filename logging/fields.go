package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GenerationMetrics describes one text-to-image call for structured logs.
type GenerationMetrics struct {
	RequestID     string
	Model         string
	Engine        string
	PromptLength  int
	Steps         int
	Width         int
	Height        int
	GuidanceScale float64
	Duration      time.Duration
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (m GenerationMetrics) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if m.RequestID != "" {
		enc.AddString("request_id", m.RequestID)
	}
	enc.AddString("model", m.Model)
	if m.Engine != "" {
		enc.AddString("engine", m.Engine)
	}
	enc.AddInt("prompt_length", m.PromptLength)
	enc.AddInt("steps", m.Steps)
	enc.AddInt("width", m.Width)
	enc.AddInt("height", m.Height)
	enc.AddFloat64("guidance_scale", m.GuidanceScale)
	enc.AddInt64("duration_ms", m.Duration.Milliseconds())
	return nil
}

// GenerationFields wraps metrics in a single "generation" object field.
func GenerationFields(m GenerationMetrics) zap.Field {
	return zap.Object("generation", m)
}

// LoadFields returns the fields logged when a pipeline finishes loading.
func LoadFields(model, strategy string, tensors int, residentBytes int64, d time.Duration) []zap.Field {
	return []zap.Field{
		zap.String("model", model),
		zap.String("strategy", strategy),
		zap.Int("tensors", tensors),
		zap.Int64("resident_bytes", residentBytes),
		zap.Duration("duration", d),
	}
}
