package sdruntime

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go_txt2img/logging"
)

// Generator turns prompts into images with the pipeline of its Loader.
type Generator struct {
	loader *Loader
	logger *logging.Logger
}

// NewGenerator creates a Generator. The pipeline is loaded on the first
// GenerateImage call, not here.
func NewGenerator(loader *Loader) *Generator {
	return &Generator{loader: loader, logger: loader.logger}
}

// Loader returns the loader backing the generator.
func (g *Generator) Loader() *Loader { return g.loader }

// GenerateImage renders prompt with FixedParams and returns the first image
// of the batch. The pipeline is loaded first if needed; a load failure is
// returned as is. Inference failures are logged and returned unchanged.
func (g *Generator) GenerateImage(ctx context.Context, prompt string) (image.Image, error) {
	p, err := g.loader.Load(ctx)
	if err != nil {
		return nil, err
	}

	requestID, ok := RequestIDFromContext(ctx)
	if !ok {
		requestID = uuid.NewString()
	}
	params := FixedParams(prompt)

	start := time.Now()
	img, err := g.run(ctx, p, params)
	duration := time.Since(start)

	g.record(ctx, GenerationRecord{
		RequestID: requestID,
		Model:     p.ModelID,
		Engine:    p.EngineName(),
		Params:    params,
		Duration:  duration,
		Err:       err,
	})
	if err != nil {
		g.logger.Errorf("Image generation failed: %v", err)
		return nil, err
	}

	g.logger.Info("image generated", logging.GenerationFields(logging.GenerationMetrics{
		RequestID:     requestID,
		Model:         p.ModelID,
		Engine:        p.EngineName(),
		PromptLength:  len(prompt),
		Steps:         params.Steps,
		Width:         params.Width,
		Height:        params.Height,
		GuidanceScale: params.GuidanceScale,
		Duration:      duration,
	}))
	return img, nil
}

func (g *Generator) run(ctx context.Context, p *Pipeline, params GenerateParams) (image.Image, error) {
	result, err := p.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	return result.First()
}

func (g *Generator) record(ctx context.Context, rec GenerationRecord) {
	if g.loader.opts.Recorder == nil {
		return
	}
	if err := g.loader.opts.Recorder.RecordGeneration(ctx, rec); err != nil {
		g.logger.Warn("could not record generation", zap.String("request_id", rec.RequestID), zap.Error(err))
	}
}
