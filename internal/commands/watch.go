package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/ingest"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/watcher"
)

func newWatchCommand() *cobra.Command {
	var repoDir, bank string
	var scan bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Import statements as they appear in the watch directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.OutOrStdout(), repoDir, bank, scan)
		},
	}

	cmd.Flags().StringVar(&repoDir, "repo", ".", "project directory")
	cmd.Flags().StringVar(&bank, "bank", "", "bank id (defaults to the configured bank)")
	cmd.Flags().BoolVar(&scan, "scan", false, "also import documents already in the directory")

	return cmd
}

func runWatch(ctx context.Context, out io.Writer, repoDir, bank string, scan bool) error {
	a, err := loadApp(ctx, repoDir)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.path(a.cfg.Watch.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating watch dir: %w", err)
	}

	opts := []watcher.Option{
		watcher.WithExtensions(a.cfg.Watch.Extensions),
		watcher.WithLogger(a.log.Named("watch")),
		watcher.WithOnError(func(path string, err error) {
			fmt.Fprintf(out, "%s: FAILED: %v\n", path, err)
		}),
	}
	if a.cfg.Watch.QuietPeriod > 0 {
		opts = append(opts, watcher.WithQuietPeriod(a.cfg.Watch.QuietPeriod))
	}
	if scan {
		opts = append(opts, watcher.WithInitialScan())
	}

	w := watcher.New(dir, importHandler(a, out, a.bank(bank)), opts...)
	fmt.Fprintf(out, "Watching %s (Ctrl-C to stop)\n", dir)
	return w.Run(ctx)
}

// importHandler imports one settled document in new mode.
func importHandler(a *app, out io.Writer, bank string) watcher.Handler {
	return func(ctx context.Context, path string) error {
		res, err := a.coord.Import(ctx, ingest.Request{Path: path, BankID: bank, Mode: model.ModeNew})
		if err != nil {
			return err
		}
		printResult(out, res)
		if a.cfg.Watch.MoveProcessed && a.persistent() {
			if _, err := importer.MarkProcessed(path); err != nil {
				a.log.Warn("moving to processed", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	}
}
