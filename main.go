package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"go_txt2img/core"
	"go_txt2img/db"
	"go_txt2img/hub"
	"go_txt2img/logging"
	"go_txt2img/sdruntime"
	"go_txt2img/shutdown"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Fixed generation request of the default command.
const (
	defaultPrompt = "A futuristic city"
	outputFile    = "futuristic_city.png"
)

// Shutdown hook priorities, lowest first.
const (
	priorityHistoryWriter = 10
	priorityHistoryDB     = 20
	priorityLogger        = 90
)

// newEngine builds the inference engine. Tests replace it.
var newEngine = sdruntime.NewEngine

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
	}
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, hooks: shutdown.NewRegistry()}
	defer func() { a.hooks.Run(context.Background(), a.logger) }()

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
	}
	return core.ExitCodeFor(err)
}

// app carries what the subcommands share once configuration is loaded.
type app struct {
	cfg    *core.Config
	logger *logging.Logger
	hooks  *shutdown.Registry

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "txt2img",
		Short: "Generate " + outputFile + " from the prompt \"" + defaultPrompt + "\"",
		Long: "Loads " + core.DefaultModelID + " on the cpu and renders one 32x32 image\n" +
			"for the prompt \"" + defaultPrompt + "\" into " + outputFile + " in the working directory.",
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.setup() },
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.generate(cmd.Context())
		},
	}
	root.AddCommand(newInfoCmd(a), newCacheCmd(a), newHistoryCmd(a))
	return root
}

// setup loads the configuration and starts logging.
func (a *app) setup() error {
	cfg, err := core.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.DevMode, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.cfg, a.logger = cfg, logger
	a.hooks.Register("logger", priorityLogger, func(context.Context) error {
		// Sync on a terminal reports EINVAL; there is nothing to flush then.
		_ = logger.Sync()
		return nil
	})
	logger.Debug("configuration loaded", zap.String("config", cfg.Summary()))
	return nil
}

// generate is the default command: one image for the fixed prompt.
func (a *app) generate(ctx context.Context) error {
	ctx, interrupt := shutdown.WithInterrupt(ctx, a.logger, func() {
		os.Exit(core.ExitCodeSIGINT)
	})
	defer interrupt.Stop()

	engine, err := newEngine(a.engineConfig(), a.logger)
	if err != nil {
		return &core.ExitError{Code: core.ExitCodeConfig, Err: err}
	}

	var recorder sdruntime.Recorder
	repo := a.openHistory(ctx)
	if repo != nil {
		recorder = repo
	}

	generator := sdruntime.NewGenerator(sdruntime.NewLoader(a.loaderOptions(engine, recorder)))

	requestID := uuid.NewString()
	img, err := generator.GenerateImage(sdruntime.WithRequestID(ctx, requestID), defaultPrompt)
	if err != nil {
		if interrupt.Interrupted() {
			return &core.ExitError{Code: core.ExitCodeSIGINT, Err: err}
		}
		return err
	}

	if err := sdruntime.SavePNG(outputFile, img); err != nil {
		return fmt.Errorf("save %s: %w", outputFile, err)
	}
	a.logger.Info("image saved", zap.String("path", outputFile), zap.String("request_id", requestID))

	if repo != nil {
		if err := repo.AttachOutput(ctx, requestID, outputFile); err != nil {
			a.logger.Warn("could not record output path", zap.Error(err))
		}
	}

	color.New(color.FgGreen).Fprintf(a.stdout, "Image saved to %s\n", outputFile)
	return nil
}

func (a *app) engineConfig() sdruntime.EngineConfig {
	return sdruntime.EngineConfig{
		Kind:           a.cfg.Engine,
		Threads:        a.cfg.Threads,
		CheckpointPath: a.cfg.CheckpointPath,
		RemoteURL:      a.cfg.RemoteURL,
		RemoteAPIKey:   a.cfg.RemoteAPIKey,
		RemoteModel:    a.cfg.RemoteModel,
		Timeout:        a.cfg.Timeout,
	}
}

func (a *app) loaderOptions(engine sdruntime.Engine, recorder sdruntime.Recorder) sdruntime.LoaderOptions {
	return sdruntime.LoaderOptions{
		ModelID:       a.cfg.ModelID,
		Revision:      a.cfg.Revision,
		Hub:           a.hubClient(),
		CacheMigrator: a.migrator(),
		OffloadFolder: a.cfg.OffloadFolder,
		Engine:        engine,
		Recorder:      recorder,
		Logger:        a.logger,
	}
}

func (a *app) hubClient() *hub.Client {
	opts := []hub.ClientOption{
		hub.WithEndpoint(a.cfg.HubEndpoint),
		hub.WithToken(a.cfg.HFToken),
		hub.WithLogger(a.logger.Named("hub")),
	}
	if a.cfg.HubCacheDir != "" {
		opts = append(opts, hub.WithCache(hub.NewCache(a.cfg.HubCacheDir)))
	}
	return hub.NewClient(opts...)
}

func (a *app) migrator() *hub.Migrator {
	m := hub.NewMigrator(a.logger.Named("hub"))
	if a.cfg.HubCacheDir != "" {
		m.New = a.cfg.HubCacheDir
	}
	return m
}

// openHistory opens the history database and starts its writer. History is
// optional: failures are logged and nil is returned.
func (a *app) openHistory(ctx context.Context) *db.Repository {
	if !a.cfg.HistoryEnabled {
		return nil
	}
	database, err := a.openDatabase()
	if err != nil {
		a.logger.Warn("history disabled", zap.Error(err))
		return nil
	}

	handler := db.NewRepository(database, nil).CreateAsyncWriteHandler()
	writer := db.NewAsyncWriterWithConfig(handler, db.AsyncWriterConfig{
		OnError: func(_ db.WriteOperation, err error) {
			a.logger.Warn("history write failed", zap.Error(err))
		},
	})
	writer.Start()
	a.hooks.Register("history writer", priorityHistoryWriter, func(context.Context) error {
		if !writer.Close() {
			return errors.New("timed out draining history writes")
		}
		return nil
	})
	return db.NewRepository(database, writer)
}

// openDatabase opens and migrates the history database and registers its
// close hook.
func (a *app) openDatabase() (*db.Database, error) {
	database, err := db.NewDatabase(a.cfg.HistoryDBPath)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	a.hooks.Register("history database", priorityHistoryDB, func(context.Context) error {
		return database.Close()
	})
	return database, nil
}
