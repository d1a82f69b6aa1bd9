//go:build sd && cgo

// Native engine backed by stable-diffusion.cpp.
// Build with: CGO_ENABLED=1 go build -tags sd
//
// Prerequisites:
//   1. stable-diffusion.cpp built as a shared library
//   2. CGO_CFLAGS including the directory of stable-diffusion.h
//   3. CGO_LDFLAGS linking -lstable-diffusion
//
// Example:
//   CGO_CFLAGS="-I${SD_CPP_PATH}" \
//   CGO_LDFLAGS="-L${SD_CPP_PATH}/build -lstable-diffusion -Wl,-rpath,${SD_CPP_PATH}/build" \
//   go build -tags sd

package sdruntime

/*
#cgo CFLAGS: -I${SRCDIR}/../vendor/stable-diffusion.cpp
#cgo LDFLAGS: -L${SRCDIR}/../vendor/stable-diffusion.cpp/build -lstable-diffusion

#include <stdlib.h>
#include <stdint.h>
#include <stdbool.h>
#include <stable-diffusion.h>

static sd_ctx_t* txt2img_new_ctx(const char* model_path, bool vae_tiling, int n_threads, bool keep_on_cpu) {
	return new_sd_ctx(model_path, "", "", "", "", "", "", "", "", "", "",
		true, vae_tiling, true, n_threads, SD_TYPE_F16, STD_DEFAULT_RNG, DEFAULT,
		keep_on_cpu, keep_on_cpu, keep_on_cpu, false);
}

static sd_image_t* txt2img_run(sd_ctx_t* ctx, const char* prompt, const char* negative_prompt,
                               float cfg_scale, int width, int height, int steps, int64_t seed) {
	return txt2img(ctx, prompt, negative_prompt, -1, cfg_scale, 3.5f, 0.0f,
		width, height, EULER_A, steps, seed, 1,
		NULL, 0.9f, 20.0f, false, "",
		NULL, 0, 0.0f, 0.01f, 0.2f);
}

static uint8_t* txt2img_image_data(sd_image_t* images, int i) { return images[i].data; }
static uint32_t txt2img_image_width(sd_image_t* images, int i) { return images[i].width; }
static uint32_t txt2img_image_height(sd_image_t* images, int i) { return images[i].height; }
static uint32_t txt2img_image_channels(sd_image_t* images, int i) { return images[i].channel; }
*/
import "C"

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go_txt2img/logging"
)

type nativeEngine struct {
	opts   NativeOptions
	logger *logging.Logger

	// mu serializes context creation and inference; an sd_ctx_t is not
	// safe for concurrent use.
	mu       sync.Mutex
	contexts map[*Pipeline]*C.sd_ctx_t
}

// NewNativeEngine returns the stable-diffusion.cpp engine.
func NewNativeEngine(opts NativeOptions, logger *logging.Logger) Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &nativeEngine{opts: opts, logger: logger, contexts: make(map[*Pipeline]*C.sd_ctx_t)}
}

func (e *nativeEngine) Name() string { return EngineNative }

// NativeBackendInfo describes the linked inference backend.
func NativeBackendInfo() string {
	return C.GoString(C.sd_get_system_info())
}

// NativeAvailable reports whether the native engine can generate images.
func NativeAvailable() bool { return true }

// context returns the library context for p, exporting the pipeline weights
// to a single checkpoint the first time.
func (e *nativeEngine) context(ctx context.Context, p *Pipeline) (*C.sd_ctx_t, error) {
	if sdCtx, ok := e.contexts[p]; ok {
		return sdCtx, nil
	}

	ckptPath := e.opts.CheckpointPath
	if ckptPath == "" {
		dir := p.OffloadFolder
		if dir == "" {
			dir = os.TempDir()
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		ckptPath = filepath.Join(dir, "sdcpp-"+uuid.NewString()+".safetensors")
		if err := p.ExportCheckpoint(ctx, ckptPath); err != nil {
			return nil, fmt.Errorf("%w: export checkpoint: %v", ErrGenerationFailed, err)
		}
		defer os.Remove(ckptPath)
	}

	threads := e.opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	mem := p.Memory()

	cPath := C.CString(ckptPath)
	defer C.free(unsafe.Pointer(cPath))

	sdCtx := C.txt2img_new_ctx(cPath, C.bool(len(mem.AttentionSlices) > 0), C.int(threads), C.bool(mem.SequentialCPUOffload))
	if sdCtx == nil {
		return nil, fmt.Errorf("%w: stable-diffusion.cpp returned a null context", ErrGenerationFailed)
	}
	e.logger.Info("native context created",
		zap.String("model", p.ModelID),
		zap.Int("threads", threads),
		zap.Bool("keep_on_cpu", mem.SequentialCPUOffload),
		zap.Bool("vae_tiling", len(mem.AttentionSlices) > 0),
	)
	e.contexts[p] = sdCtx
	return sdCtx, nil
}

func (e *nativeEngine) Txt2Img(ctx context.Context, p *Pipeline, params GenerateParams) ([]image.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sdCtx, err := e.context(ctx, p)
	if err != nil {
		return nil, err
	}

	cPrompt := C.CString(params.Prompt)
	defer C.free(unsafe.Pointer(cPrompt))
	cNegative := C.CString(params.NegativePrompt)
	defer C.free(unsafe.Pointer(cNegative))

	result := C.txt2img_run(sdCtx, cPrompt, cNegative,
		C.float(params.GuidanceScale),
		C.int(params.Width), C.int(params.Height),
		C.int(params.Steps), C.int64_t(params.Seed))
	if result == nil {
		return nil, fmt.Errorf("%w: stable-diffusion.cpp returned no images", ErrGenerationFailed)
	}
	defer C.free(unsafe.Pointer(result))

	data := C.txt2img_image_data(result, 0)
	if data == nil {
		return nil, fmt.Errorf("%w: empty image buffer", ErrGenerationFailed)
	}
	defer C.free(unsafe.Pointer(data))

	width := int(C.txt2img_image_width(result, 0))
	height := int(C.txt2img_image_height(result, 0))
	channels := int(C.txt2img_image_channels(result, 0))
	pixels := C.GoBytes(unsafe.Pointer(data), C.int(width*height*channels))

	img, err := ImageFromPixels(pixels, width, height, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []image.Image{img}, nil
}

// Close frees every library context.
func (e *nativeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for p, sdCtx := range e.contexts {
		C.free_sd_ctx(sdCtx)
		delete(e.contexts, p)
	}
	return nil
}
