//go:build !sd || !cgo

package sdruntime

import (
	"context"
	"image"

	"go_txt2img/logging"
)

// nativeEngine is the placeholder used when stable-diffusion.cpp is not
// linked. Loading still works; generation reports ErrBackendUnavailable.
type nativeEngine struct {
	logger *logging.Logger
}

// NewNativeEngine returns the stable-diffusion.cpp engine. This build has no
// backend compiled in.
func NewNativeEngine(_ NativeOptions, logger *logging.Logger) Engine {
	return &nativeEngine{logger: logger}
}

func (e *nativeEngine) Name() string { return EngineNative }

func (e *nativeEngine) Txt2Img(ctx context.Context, _ *Pipeline, _ GenerateParams) ([]image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrBackendUnavailable
}

// NativeBackendInfo describes the linked inference backend.
func NativeBackendInfo() string {
	return "stub (no stable-diffusion.cpp library linked)"
}

// NativeAvailable reports whether the native engine can generate images.
func NativeAvailable() bool { return false }
