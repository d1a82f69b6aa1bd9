package sdruntime

import (
	"fmt"
	"image"
	"strings"
	"time"
)

// GenerateParams holds parameters for image generation.
type GenerateParams struct {
	Prompt         string  // Required: text description of the image to generate
	NegativePrompt string  // Optional: what to avoid in the image
	Width          int     // Image width in pixels (8-2048, must be divisible by 8)
	Height         int     // Image height in pixels (8-2048, must be divisible by 8)
	Steps          int     // Number of denoising steps (1-100)
	GuidanceScale  float64 // Classifier-free guidance scale (1.0-30.0)
	Seed           int64   // Random seed for reproducibility (-1 for random)
}

// Parameter validation constants
const (
	MinImageSize      = 8
	MaxImageSize      = 2048
	ImageSizeMultiple = 8 // Image dimensions must be divisible by this

	MinSteps = 1
	MaxSteps = 100

	MinGuidanceScale = 1.0
	MaxGuidanceScale = 30.0
)

// Hyperparameters used by GenerateImage.
const (
	FixedSteps         = 5
	FixedWidth         = 32
	FixedHeight        = 32
	FixedGuidanceScale = 7.5
)

// FixedParams returns the parameters GenerateImage runs every prompt with.
func FixedParams(prompt string) GenerateParams {
	return GenerateParams{
		Prompt:        prompt,
		Width:         FixedWidth,
		Height:        FixedHeight,
		Steps:         FixedSteps,
		GuidanceScale: FixedGuidanceScale,
		Seed:          -1,
	}
}

// ValidateParams validates generation parameters and returns an error if invalid.
func ValidateParams(p GenerateParams) error {
	if err := ValidatePrompt(p.Prompt); err != nil {
		return err
	}
	if err := validateDimension("width", p.Width); err != nil {
		return err
	}
	if err := validateDimension("height", p.Height); err != nil {
		return err
	}
	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return fmt.Errorf("%w: steps %d must be between %d and %d",
			ErrInvalidParams, p.Steps, MinSteps, MaxSteps)
	}
	if p.GuidanceScale < MinGuidanceScale || p.GuidanceScale > MaxGuidanceScale {
		return fmt.Errorf("%w: guidance scale %.2f must be between %.1f and %.1f",
			ErrInvalidParams, p.GuidanceScale, MinGuidanceScale, MaxGuidanceScale)
	}
	if strings.ContainsRune(p.NegativePrompt, '\x00') {
		return fmt.Errorf("%w: negative prompt contains null bytes", ErrInvalidParams)
	}
	return nil
}

func validateDimension(name string, v int) error {
	if v < MinImageSize || v > MaxImageSize {
		return fmt.Errorf("%w: %s %d must be between %d and %d",
			ErrInvalidParams, name, v, MinImageSize, MaxImageSize)
	}
	if v%ImageSizeMultiple != 0 {
		return fmt.Errorf("%w: %s %d must be divisible by %d",
			ErrInvalidParams, name, v, ImageSizeMultiple)
	}
	return nil
}

// RunResult is the output of one pipeline call.
type RunResult struct {
	Images   []image.Image
	Seed     int64
	Duration time.Duration
}

// First returns the first image of the batch.
func (r *RunResult) First() (image.Image, error) {
	if r == nil || len(r.Images) == 0 {
		return nil, ErrNoImages
	}
	return r.Images[0], nil
}
