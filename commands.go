package main

import (
	"context"
	"fmt"
	"time"

	"go_txt2img/core"
	"go_txt2img/db"
	"go_txt2img/hub"
	"go_txt2img/sdruntime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the model, engine and cache configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.printInfo()
			return nil
		},
	}
}

func (a *app) printInfo() {
	label := color.New(color.Bold).SprintFunc()
	line := func(name, value string) {
		fmt.Fprintf(a.stdout, "%s %s\n", label(fmt.Sprintf("%-15s", name+":")), value)
	}

	line("Model", a.cfg.ModelID+"@"+a.cfg.Revision)
	switch a.cfg.Engine {
	case core.EngineRemote:
		line("Engine", fmt.Sprintf("remote (%s, model %s)", a.cfg.RemoteURL, a.cfg.RemoteModel))
	default:
		line("Engine", "native: "+sdruntime.NativeBackendInfo())
	}
	if sdruntime.OffloadAvailable() {
		line("Loading", "dispatch (offload compiled in)")
	} else {
		line("Loading", "direct (offload not compiled in)")
	}
	line("Hub cache", a.hubClient().Cache().Dir)
	line("Legacy cache", a.migrator().Old)
	line("Offload folder", a.cfg.OffloadFolder)
	if a.cfg.HistoryEnabled {
		line("History", a.cfg.HistoryDBPath)
	} else {
		line("History", "disabled")
	}
	line("Log file", a.cfg.LogFile)
}

func newCacheCmd(a *app) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the model cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Move blobs from the legacy diffusers cache into the hub cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.migrateCache(cmd.Context())
		},
	})
	return cacheCmd
}

// migrateCache runs the cache housekeeping step on its own, even when the
// hub cache is already marked as migrated.
func (a *app) migrateCache(ctx context.Context) error {
	m := a.migrator()
	moved, err := hub.MoveCache(ctx, m.Old, m.New, a.logger.Named("hub"))
	if err != nil {
		return err
	}
	if err := m.Migrate(ctx); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(a.stdout, "Moved %d blob(s) from %s to %s\n", moved, m.Old, m.New)
	return nil
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRepository(func(repo *db.Repository) error {
				entries, err := repo.RecentGenerations(cmd.Context(), limit)
				if err != nil {
					return err
				}
				a.printGenerations(entries)
				return nil
			})
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of generations to show")

	var loadLimit int
	loadsCmd := &cobra.Command{
		Use:   "loads",
		Short: "List recent model loads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRepository(func(repo *db.Repository) error {
				entries, err := repo.RecentLoads(cmd.Context(), loadLimit)
				if err != nil {
					return err
				}
				a.printLoads(entries)
				return nil
			})
		},
	}
	loadsCmd.Flags().IntVarP(&loadLimit, "limit", "n", 10, "number of loads to show")

	var days int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete history older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := a.historyDatabase()
			if err != nil {
				return err
			}
			result, err := database.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Deleted %d generation(s) and %d load(s)\n",
				result.GenerationsDeleted, result.LoadsDeleted)
			return nil
		},
	}
	pruneCmd.Flags().IntVar(&days, "days", 30, "retention in days")

	historyCmd.AddCommand(loadsCmd, pruneCmd)
	return historyCmd
}

func (a *app) historyDatabase() (*db.Database, error) {
	if !a.cfg.HistoryEnabled {
		return nil, &core.ExitError{
			Code: core.ExitCodeConfig,
			Err:  fmt.Errorf("history is disabled (%s=false)", core.EnvHistory),
		}
	}
	return a.openDatabase()
}

func (a *app) withRepository(fn func(*db.Repository) error) error {
	database, err := a.historyDatabase()
	if err != nil {
		return err
	}
	return fn(db.NewRepository(database, nil))
}

func (a *app) printGenerations(entries []db.GenerationEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "No generations recorded")
		return
	}
	failed := color.New(color.FgRed).SprintFunc()
	for _, e := range entries {
		status := e.Status
		if status == db.StatusError {
			status = failed(status)
		}
		fmt.Fprintf(a.stdout, "%s  %s  %-7s  %dx%d  %d steps  %6s  %q",
			e.CreatedAt.Local().Format(time.DateTime), e.RequestID, status,
			e.Width, e.Height, e.Steps, time.Duration(e.DurationMS)*time.Millisecond, e.Prompt)
		switch {
		case e.ErrorMessage != "":
			fmt.Fprintf(a.stdout, "  %s", e.ErrorMessage)
		case e.OutputPath != "":
			fmt.Fprintf(a.stdout, "  -> %s", e.OutputPath)
		}
		fmt.Fprintln(a.stdout)
	}
}

func (a *app) printLoads(entries []db.LoadEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "No model loads recorded")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(a.stdout, "%s  %s@%s  %-8s  %-7s  %s",
			e.CreatedAt.Local().Format(time.DateTime), e.Model, e.Revision, e.Strategy, e.Status,
			time.Duration(e.DurationMS)*time.Millisecond)
		if e.ErrorMessage != "" {
			fmt.Fprintf(a.stdout, "  %s", e.ErrorMessage)
		}
		fmt.Fprintln(a.stdout)
	}
}
