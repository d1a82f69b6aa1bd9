package sdruntime

import "errors"

// Sentinel errors for pipeline loading and generation.
var (
	// Model-related errors
	ErrModelNotFound   = errors.New("sdruntime: model file not found")
	ErrModelLoadFailed = errors.New("sdruntime: failed to load model")
	ErrModelCorrupted  = errors.New("sdruntime: model file is corrupted or invalid")
	ErrNotLoaded       = errors.New("sdruntime: pipeline not loaded")

	// Generation errors
	ErrGenerationFailed = errors.New("sdruntime: image generation failed")
	ErrNoImages         = errors.New("sdruntime: engine returned no images")

	// Input validation errors
	ErrInvalidPrompt = errors.New("sdruntime: invalid prompt")
	ErrInvalidParams = errors.New("sdruntime: invalid generation parameters")

	// Engine errors
	ErrBackendUnavailable = errors.New("sdruntime: stable-diffusion backend not compiled in")
	ErrNoEngine           = errors.New("sdruntime: no inference engine configured")
	ErrOffloadUnavailable = errors.New("sdruntime: offload dispatch not compiled in")
)
