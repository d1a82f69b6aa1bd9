package sdruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"go_txt2img/hub"
	"go_txt2img/weights"
)

// Repository layout of a diffusers text-to-image pipeline.
const (
	ModelIndexFile = "model_index.json"

	ComponentUNet        = "unet"
	ComponentVAE         = "vae"
	ComponentTextEncoder = "text_encoder"
	ComponentTokenizer   = "tokenizer"
	ComponentScheduler   = "scheduler"

	DefaultAttentionHeadDim = 8
)

// Sizes accepted by EnableAttentionSlicing besides an explicit slice size.
const (
	AttentionSliceAuto = 0
	AttentionSliceMax  = -1
)

// LoadStrategy names how component weights were materialized.
type LoadStrategy string

const (
	// StrategyDirect reads every tensor into memory.
	StrategyDirect LoadStrategy = "direct"
	// StrategyDispatch fills an empty shell tensor by tensor through the
	// offload folder.
	StrategyDispatch LoadStrategy = "dispatch"
)

// weightComponents lists the components carrying safetensors weights and
// the file each is loaded from.
var weightComponents = []struct {
	name    string
	weights string
}{
	{ComponentTextEncoder, "text_encoder/model.safetensors"},
	{ComponentUNet, "unet/diffusion_pytorch_model.safetensors"},
	{ComponentVAE, "vae/diffusion_pytorch_model.safetensors"},
}

var tokenizerFiles = []string{
	"tokenizer/merges.txt",
	"tokenizer/special_tokens_map.json",
	"tokenizer/tokenizer_config.json",
	"tokenizer/vocab.json",
}

const schedulerConfigFile = "scheduler/scheduler_config.json"

// PipelineFiles returns the repository files needed to build a Pipeline.
// The safety checker and feature extractor are not fetched.
func PipelineFiles() []string {
	files := []string{ModelIndexFile, schedulerConfigFile}
	for _, c := range weightComponents {
		files = append(files, path.Join(c.name, "config.json"), c.weights)
	}
	files = append(files, tokenizerFiles...)
	return files
}

// ModelIndex is the parsed model_index.json of a pipeline repository.
type ModelIndex struct {
	ClassName        string
	DiffusersVersion string

	// Components maps a component to its {library, class} pair.
	Components map[string][2]string
}

// ReadModelIndex parses a model_index.json file. Components set to
// [null, null] are omitted.
func ReadModelIndex(filePath string) (*ModelIndex, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelCorrupted, ModelIndexFile, err)
	}

	idx := &ModelIndex{Components: make(map[string][2]string)}
	for key, value := range raw {
		switch key {
		case "_class_name":
			_ = json.Unmarshal(value, &idx.ClassName)
			continue
		case "_diffusers_version":
			_ = json.Unmarshal(value, &idx.DiffusersVersion)
			continue
		}
		var pair []*string
		if err := json.Unmarshal(value, &pair); err != nil || len(pair) != 2 {
			continue
		}
		if pair[0] == nil || pair[1] == nil {
			continue
		}
		idx.Components[key] = [2]string{*pair[0], *pair[1]}
	}

	if idx.ClassName == "" {
		return nil, fmt.Errorf("%w: %s has no _class_name", ErrModelCorrupted, ModelIndexFile)
	}
	for _, name := range []string{ComponentUNet, ComponentVAE, ComponentTextEncoder, ComponentTokenizer, ComponentScheduler} {
		if _, ok := idx.Components[name]; !ok {
			return nil, fmt.Errorf("%w: %s has no %s component", ErrModelCorrupted, ModelIndexFile, name)
		}
	}
	return idx, nil
}

// Component is one weight-bearing model of the pipeline.
type Component struct {
	Name        string
	ClassName   string
	Config      map[string]any
	Weights     weights.Store
	WeightsPath string
}

// MemoryOptions are the memory-saving modes engines honor.
type MemoryOptions struct {
	// SequentialCPUOffload keeps submodules on the cpu and moves each to
	// the execution device only for its forward pass.
	SequentialCPUOffload bool

	// AttentionSlices holds the slice size of each attention block, or is
	// empty when slicing is off.
	AttentionSlices []int
}

// Pipeline is a loaded text-to-image model: component weights, tokenizer
// and scheduler files, and the engine that runs it.
type Pipeline struct {
	ModelID       string
	Revision      string
	Commit        string
	ClassName     string
	DType         weights.DType
	Device        string
	Strategy      LoadStrategy
	OffloadFolder string

	Components      map[string]*Component
	TokenizerDir    string
	SchedulerConfig map[string]any

	engine Engine

	mu     sync.RWMutex
	memory MemoryOptions
}

// newPipeline reads the pipeline layout from snap. Component weights are
// attached by the loader.
func newPipeline(snap *hub.Snapshot, engine Engine) (*Pipeline, error) {
	idx, err := ReadModelIndex(snap.Path(ModelIndexFile))
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		ModelID:      snap.ModelID,
		Revision:     snap.Revision,
		Commit:       snap.Commit,
		ClassName:    idx.ClassName,
		DType:        weights.F16,
		Device:       weights.DeviceCPU,
		Components:   make(map[string]*Component, len(weightComponents)),
		TokenizerDir: snap.Path(ComponentTokenizer),
		engine:       engine,
	}
	if p.SchedulerConfig, err = readJSONObject(snap.Path(schedulerConfigFile)); err != nil {
		return nil, err
	}
	for _, c := range weightComponents {
		cfg, err := readJSONObject(snap.Path(path.Join(c.name, "config.json")))
		if err != nil {
			return nil, err
		}
		p.Components[c.name] = &Component{
			Name:        c.name,
			ClassName:   idx.Components[c.name][1],
			Config:      cfg,
			WeightsPath: snap.Path(c.weights),
		}
	}
	return p, nil
}

func readJSONObject(filePath string) (map[string]any, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelCorrupted, filePath, err)
	}
	return obj, nil
}

// Component returns a component by name.
func (p *Pipeline) Component(name string) (*Component, bool) {
	c, ok := p.Components[name]
	return c, ok
}

// EngineName returns the name of the engine running the pipeline.
func (p *Pipeline) EngineName() string {
	if p.engine == nil {
		return ""
	}
	return p.engine.Name()
}

// TensorCount returns the number of tensors across all components.
func (p *Pipeline) TensorCount() int {
	n := 0
	for _, c := range p.Components {
		if c.Weights != nil {
			n += len(c.Weights.Names())
		}
	}
	return n
}

// ResidentBytes returns the tensor data held in memory across components.
func (p *Pipeline) ResidentBytes() int64 {
	var n int64
	for _, c := range p.Components {
		if c.Weights != nil {
			n += c.Weights.ResidentBytes()
		}
	}
	return n
}

// EnableSequentialCPUOffload keeps every submodule on the cpu between
// forward passes.
func (p *Pipeline) EnableSequentialCPUOffload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memory.SequentialCPUOffload = true
}

// EnableAttentionSlicing computes attention in slices. AttentionSliceAuto
// halves the attention head dimension of each block, AttentionSliceMax runs
// one slice at a time, and a positive size is used as given.
func (p *Pipeline) EnableAttentionSlicing(sliceSize int) error {
	dims := p.attentionHeadDims()
	slices := make([]int, len(dims))
	for i, dim := range dims {
		switch {
		case sliceSize == AttentionSliceAuto:
			slices[i] = max(dim/2, 1)
		case sliceSize == AttentionSliceMax:
			slices[i] = 1
		case sliceSize > 0 && sliceSize <= dim:
			slices[i] = sliceSize
		default:
			return fmt.Errorf("%w: attention slice size %d must be between 1 and %d",
				ErrInvalidParams, sliceSize, dim)
		}
	}
	p.mu.Lock()
	p.memory.AttentionSlices = slices
	p.mu.Unlock()
	return nil
}

// DisableAttentionSlicing computes attention in one step.
func (p *Pipeline) DisableAttentionSlicing() {
	p.mu.Lock()
	p.memory.AttentionSlices = nil
	p.mu.Unlock()
}

// Memory returns the enabled memory-saving modes.
func (p *Pipeline) Memory() MemoryOptions {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := p.memory
	m.AttentionSlices = append([]int(nil), p.memory.AttentionSlices...)
	return m
}

// attentionHeadDims reads attention_head_dim from the unet config. SD 1.x
// stores one integer, SD 2.x one value per block.
func (p *Pipeline) attentionHeadDims() []int {
	unet, ok := p.Components[ComponentUNet]
	if !ok || unet.Config == nil {
		return []int{DefaultAttentionHeadDim}
	}
	switch v := unet.Config["attention_head_dim"].(type) {
	case float64:
		return []int{int(v)}
	case []any:
		dims := make([]int, 0, len(v))
		for _, d := range v {
			if f, ok := d.(float64); ok {
				dims = append(dims, int(f))
			}
		}
		if len(dims) > 0 {
			return dims
		}
	}
	return []int{DefaultAttentionHeadDim}
}

// Run generates images for params. A negative seed is replaced with a
// random one and every image is scaled to the requested size. Engine errors
// are returned unchanged.
func (p *Pipeline) Run(ctx context.Context, params GenerateParams) (*RunResult, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	if p.engine == nil {
		return nil, ErrNoEngine
	}
	params.Seed = resolveSeed(params.Seed)

	start := time.Now()
	images, err := p.engine.Txt2Img(ctx, p, params)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	for i, img := range images {
		images[i] = FitImage(img, params.Width, params.Height)
	}
	return &RunResult{Images: images, Seed: params.Seed, Duration: time.Since(start)}, nil
}

// checkpointPrefixes are the tensor name prefixes used when every
// component is exported to one file.
var checkpointPrefixes = map[string]string{
	ComponentUNet:        "unet.",
	ComponentVAE:         "vae.",
	ComponentTextEncoder: "te.",
}

// ExportCheckpoint writes the weights of every component into a single
// safetensors file, prefixing tensor names with the component.
func (p *Pipeline) ExportCheckpoint(ctx context.Context, filePath string) error {
	names := make([]string, 0, len(p.Components))
	for name := range p.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	var tensors []weights.Tensor
	for _, name := range names {
		c := p.Components[name]
		if c.Weights == nil {
			return fmt.Errorf("%w: component %s has no weights", ErrNotLoaded, name)
		}
		prefix, ok := checkpointPrefixes[name]
		if !ok {
			prefix = name + "."
		}
		for _, tensor := range c.Weights.Names() {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, _ := c.Weights.Info(tensor)
			data, err := c.Weights.Tensor(tensor)
			if err != nil {
				return fmt.Errorf("export %s: %w", name, err)
			}
			tensors = append(tensors, weights.Tensor{
				Name:  prefix + tensor,
				DType: info.DType,
				Shape: info.Shape,
				Data:  data,
			})
		}
	}
	return weights.WriteSafetensorsFile(filePath, tensors, map[string]string{
		"format":   "pt",
		"model_id": p.ModelID,
		"commit":   p.Commit,
	})
}
