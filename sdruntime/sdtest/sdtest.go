// Package sdtest provides a tiny pipeline repository and a scripted engine
// for tests of code built on sdruntime.
package sdtest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go_txt2img/hub"
	"go_txt2img/sdruntime"
	"go_txt2img/weights"
)

// Commit is the snapshot commit of repositories written by this package.
const Commit = "5f0c3b7a9e1d2c4b6a8f0e1d3c5b7a9f1e2d4c6b"

// Tensor counts of the tiny pipeline.
const (
	UNetTensors        = 2
	VAETensors         = 1
	TextEncoderTensors = 2
	TotalTensors       = UNetTensors + VAETensors + TextEncoderTensors
)

func f32(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func i64(vals ...int64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[8*i:], uint64(v))
	}
	return b
}

var componentTensors = map[string][]weights.Tensor{
	"unet/diffusion_pytorch_model.safetensors": {
		{Name: "conv_in.weight", DType: weights.F32, Shape: []int64{2, 2}, Data: f32(0.5, -1, 2, 0.25)},
		{Name: "conv_in.bias", DType: weights.F32, Shape: []int64{2}, Data: f32(1, -0.5)},
	},
	"vae/diffusion_pytorch_model.safetensors": {
		{Name: "decoder.conv_in.weight", DType: weights.F32, Shape: []int64{2}, Data: f32(3, 4)},
	},
	"text_encoder/model.safetensors": {
		{Name: "text_model.embeddings.position_ids", DType: weights.I64, Shape: []int64{1, 4}, Data: i64(0, 1, 2, 3)},
		{Name: "text_model.embeddings.token_embedding.weight", DType: weights.F32, Shape: []int64{4, 2}, Data: f32(1, 2, 3, 4, 5, 6, 7, 8)},
	},
}

var jsonFiles = map[string]any{
	sdruntime.ModelIndexFile: map[string]any{
		"_class_name":        "StableDiffusionPipeline",
		"_diffusers_version": "0.6.0",
		"feature_extractor":  []any{"transformers", "CLIPImageProcessor"},
		"safety_checker":     []any{nil, nil},
		"scheduler":          []any{"diffusers", "PNDMScheduler"},
		"text_encoder":       []any{"transformers", "CLIPTextModel"},
		"tokenizer":          []any{"transformers", "CLIPTokenizer"},
		"unet":               []any{"diffusers", "UNet2DConditionModel"},
		"vae":                []any{"diffusers", "AutoencoderKL"},
	},
	"scheduler/scheduler_config.json": map[string]any{
		"_class_name":    "PNDMScheduler",
		"beta_schedule":  "scaled_linear",
		"beta_start":     0.00085,
		"beta_end":       0.012,
		"skip_prk_steps": true,
	},
	"unet/config.json": map[string]any{
		"_class_name":        "UNet2DConditionModel",
		"attention_head_dim": 8,
		"sample_size":        64,
	},
	"vae/config.json": map[string]any{
		"_class_name":     "AutoencoderKL",
		"latent_channels": 4,
	},
	"text_encoder/config.json": map[string]any{
		"architectures": []any{"CLIPTextModel"},
		"hidden_size":   768,
	},
	"tokenizer/special_tokens_map.json": map[string]any{"bos_token": "<|startoftext|>"},
	"tokenizer/tokenizer_config.json":   map[string]any{"model_max_length": 77},
	"tokenizer/vocab.json":              map[string]any{"a": 0, "city": 1},
}

// WritePipeline writes every file of sdruntime.PipelineFiles into dir.
func WritePipeline(dir string) error {
	for name, obj := range jsonFiles {
		data, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		if err := writeFile(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	if err := writeFile(filepath.Join(dir, "tokenizer", "merges.txt"), []byte("#version: 0.2\nc i\n")); err != nil {
		return err
	}
	for name, tensors := range componentTensors {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := weights.WriteSafetensorsFile(path, tensors, map[string]string{"format": "pt"}); err != nil {
			return err
		}
	}
	return nil
}

// WriteCachedPipeline writes the pipeline into the hub cache at cacheDir as
// snapshot Commit of modelID, with refs/main pointing at it.
func WriteCachedPipeline(cacheDir, modelID string) (string, error) {
	cache := hub.NewCache(cacheDir)
	if err := cache.WriteRef(modelID, "main", Commit); err != nil {
		return "", err
	}
	dir := cache.SnapshotDir(modelID, Commit)
	return dir, WritePipeline(dir)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Snapshots serves a directory written by WritePipeline as a snapshot.
type Snapshots struct {
	Dir string
	Err error

	mu    sync.Mutex
	calls int
}

func (s *Snapshots) EnsureSnapshot(_ context.Context, modelID, revision string, files []string) (*hub.Snapshot, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	snap := &hub.Snapshot{
		ModelID:  modelID,
		Revision: revision,
		Commit:   Commit,
		Dir:      s.Dir,
		Files:    make(map[string]string, len(files)),
	}
	for _, f := range files {
		snap.Files[f] = filepath.Join(s.Dir, filepath.FromSlash(f))
	}
	return snap, nil
}

// Calls returns the number of EnsureSnapshot calls.
func (s *Snapshots) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Migrator counts Migrate calls and returns Err.
type Migrator struct {
	Err error

	mu    sync.Mutex
	calls int
}

func (m *Migrator) Migrate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.Err
}

// Calls returns the number of Migrate calls.
func (m *Migrator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Engine returns solid images and records the parameters it was called
// with. Size overrides the output size when non-zero.
type Engine struct {
	Err   error
	Size  image.Point
	Fill  color.RGBA
	Batch int

	mu     sync.Mutex
	params []sdruntime.GenerateParams
}

func (e *Engine) Name() string { return "fake" }

func (e *Engine) Txt2Img(ctx context.Context, _ *sdruntime.Pipeline, params sdruntime.GenerateParams) ([]image.Image, error) {
	e.mu.Lock()
	e.params = append(e.params, params)
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Err != nil {
		return nil, e.Err
	}

	size := image.Pt(params.Width, params.Height)
	if e.Size != (image.Point{}) {
		size = e.Size
	}
	n := max(e.Batch, 1)
	images := make([]image.Image, n)
	for i := range images {
		img := image.NewRGBA(image.Rectangle{Max: size})
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = e.Fill.R, e.Fill.G, e.Fill.B, 0xff
		}
		images[i] = img
	}
	return images, nil
}

// Params returns the parameters of every call so far.
func (e *Engine) Params() []sdruntime.GenerateParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdruntime.GenerateParams(nil), e.params...)
}

// Recorder collects history records in memory.
type Recorder struct {
	Err error

	mu          sync.Mutex
	Loads       []sdruntime.LoadRecord
	Generations []sdruntime.GenerationRecord
}

func (r *Recorder) RecordLoad(_ context.Context, rec sdruntime.LoadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Loads = append(r.Loads, rec)
	return r.Err
}

func (r *Recorder) RecordGeneration(_ context.Context, rec sdruntime.GenerationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Generations = append(r.Generations, rec)
	return r.Err
}

var (
	_ sdruntime.Engine         = (*Engine)(nil)
	_ sdruntime.Recorder       = (*Recorder)(nil)
	_ sdruntime.SnapshotSource = (*Snapshots)(nil)
	_ sdruntime.CacheMigrator  = (*Migrator)(nil)
)
