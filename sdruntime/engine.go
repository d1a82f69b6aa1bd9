package sdruntime

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"go_txt2img/logging"
)

// Engine runs the diffusion model of a loaded pipeline.
type Engine interface {
	Name() string

	// Txt2Img returns a batch of images for params. Params are validated
	// and the seed resolved before the call.
	Txt2Img(ctx context.Context, p *Pipeline, params GenerateParams) ([]image.Image, error)
}

// Engine kinds accepted by NewEngine.
const (
	EngineNative = "native"
	EngineRemote = "remote"
)

// EngineConfig selects and configures an Engine.
type EngineConfig struct {
	Kind string

	// Native engine
	Threads        int
	CheckpointPath string

	// Remote engine
	RemoteURL    string
	RemoteAPIKey string
	RemoteModel  string
	Timeout      time.Duration
}

// NewEngine builds the engine named by cfg.Kind. An empty kind selects the
// native engine, which fails with ErrBackendUnavailable when this build has
// no stable-diffusion.cpp library linked.
func NewEngine(cfg EngineConfig, logger *logging.Logger) (Engine, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	switch cfg.Kind {
	case "", EngineNative:
		if !NativeAvailable() {
			return nil, fmt.Errorf("%w: rebuild with CGO_ENABLED=1 -tags sd or set TXT2IMG_ENGINE=remote", ErrBackendUnavailable)
		}
		return NewNativeEngine(NativeOptions{Threads: cfg.Threads, CheckpointPath: cfg.CheckpointPath}, logger.Named("native")), nil
	case EngineRemote:
		httpClient := &http.Client{Timeout: cfg.Timeout}
		return NewRemoteEngine(RemoteOptions{
			BaseURL:    cfg.RemoteURL,
			APIKey:     cfg.RemoteAPIKey,
			Model:      cfg.RemoteModel,
			HTTPClient: httpClient,
		}, logger.Named("remote"))
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", ErrNoEngine, cfg.Kind)
	}
}

// NativeOptions configures the stable-diffusion.cpp engine.
type NativeOptions struct {
	// Threads is the number of cpu threads; zero lets the library decide.
	Threads int

	// CheckpointPath is a single-file checkpoint handed to the library
	// as is. Empty exports the loaded pipeline weights instead.
	CheckpointPath string
}
