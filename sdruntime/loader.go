package sdruntime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go_txt2img/hub"
	"go_txt2img/logging"
	"go_txt2img/weights"
)

// Loader defaults.
const (
	DefaultModelID       = "runwayml/stable-diffusion-v1-5"
	DefaultRevision      = "main"
	DefaultOffloadFolder = "offload"
)

// SnapshotSource makes pipeline repository files available locally.
// *hub.Client implements it.
type SnapshotSource interface {
	EnsureSnapshot(ctx context.Context, modelID, revision string, files []string) (*hub.Snapshot, error)
}

// CacheMigrator performs cache housekeeping before a load.
// *hub.Migrator implements it.
type CacheMigrator interface {
	Migrate(ctx context.Context) error
}

// LoaderOptions configures a Loader. Zero values select the defaults.
type LoaderOptions struct {
	ModelID  string
	Revision string

	Hub           SnapshotSource
	CacheMigrator CacheMigrator

	// Probe reports whether the dispatch path is available.
	// Defaults to OffloadAvailable.
	Probe func() bool

	// OffloadFolder is the scratch directory of the dispatch path,
	// relative to the working directory unless absolute.
	OffloadFolder string

	// VerifyChecksums re-hashes cached files against the hub checksums.
	VerifyChecksums bool

	Engine   Engine
	Recorder Recorder
	Logger   *logging.Logger
}

// Loader loads a pipeline once and hands out the same instance afterwards.
type Loader struct {
	opts   LoaderOptions
	logger *logging.Logger
	holder Holder
}

// NewLoader creates a Loader.
func NewLoader(opts LoaderOptions) *Loader {
	if opts.ModelID == "" {
		opts.ModelID = DefaultModelID
	}
	if opts.Revision == "" {
		opts.Revision = DefaultRevision
	}
	if opts.OffloadFolder == "" {
		opts.OffloadFolder = DefaultOffloadFolder
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Hub == nil {
		opts.Hub = hub.NewClient(hub.WithLogger(opts.Logger.Named("hub")))
	}
	if opts.CacheMigrator == nil {
		opts.CacheMigrator = hub.NewMigrator(opts.Logger.Named("hub"))
	}
	if opts.Probe == nil {
		opts.Probe = OffloadAvailable
	}
	if opts.Engine == nil {
		opts.Engine = NewNativeEngine(NativeOptions{}, opts.Logger.Named("native"))
	}
	return &Loader{opts: opts, logger: opts.Logger}
}

// ModelID returns the repository the loader loads.
func (l *Loader) ModelID() string { return l.opts.ModelID }

// Loaded returns the pipeline if one was loaded.
func (l *Loader) Loaded() (*Pipeline, bool) { return l.holder.Loaded() }

// Load returns the loaded pipeline, loading it on the first call. Later
// calls return the same pipeline without side effects. A failed load is
// logged and returned wrapped in ErrModelLoadFailed; the next call tries
// again.
func (l *Loader) Load(ctx context.Context) (*Pipeline, error) {
	return l.holder.Get(ctx, l.load)
}

func (l *Loader) load(ctx context.Context) (p *Pipeline, err error) {
	start := time.Now()
	strategy := StrategyDirect
	defer func() {
		if err != nil {
			l.logger.Errorf("Failed to load model: %v", err)
			err = fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
		}
		l.recordLoad(ctx, LoadRecord{
			Model:    l.opts.ModelID,
			Revision: l.opts.Revision,
			Strategy: strategy,
			Duration: time.Since(start),
			Err:      err,
		})
	}()

	if err := l.opts.CacheMigrator.Migrate(ctx); err != nil {
		return nil, err
	}

	snap, err := l.opts.Hub.EnsureSnapshot(ctx, l.opts.ModelID, l.opts.Revision, PipelineFiles())
	if err != nil {
		return nil, err
	}
	if l.opts.VerifyChecksums {
		if err := VerifySnapshot(snap); err != nil {
			return nil, err
		}
	}

	p, err = newPipeline(snap, l.opts.Engine)
	if err != nil {
		return nil, err
	}

	if l.opts.Probe() {
		strategy = StrategyDispatch
		err = l.loadDispatched(ctx, p)
	} else {
		l.logger.Warn("accelerate not found, using default loading")
		err = l.loadDirect(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	p.Strategy = strategy

	p.EnableSequentialCPUOffload()
	if err := p.EnableAttentionSlicing(AttentionSliceAuto); err != nil {
		return nil, err
	}

	l.logger.Info("pipeline loaded", append(
		logging.LoadFields(p.ModelID, string(strategy), p.TensorCount(), p.ResidentBytes(), time.Since(start)),
		zap.String("commit", p.Commit),
		zap.String("engine", p.EngineName()),
	)...)
	return p, nil
}

// loadDirect reads every component into memory in half precision.
func (l *Loader) loadDirect(ctx context.Context, p *Pipeline) error {
	for _, c := range weightComponents {
		comp := p.Components[c.name]
		ckpt, err := weights.OpenCheckpoint(comp.WeightsPath)
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		store, err := weights.LoadResident(ctx, ckpt, weights.F16)
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		comp.Weights = store
		l.logger.Debug("component loaded",
			zap.String("component", c.name),
			zap.Int("tensors", len(store.Names())),
			zap.Int64("resident_bytes", store.ResidentBytes()),
		)
	}
	return nil
}

func (l *Loader) recordLoad(ctx context.Context, rec LoadRecord) {
	if l.opts.Recorder == nil {
		return
	}
	if err := l.opts.Recorder.RecordLoad(ctx, rec); err != nil {
		l.logger.Warn("could not record model load", zap.Error(err))
	}
}
