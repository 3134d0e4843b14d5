package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/ingest"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/store"
)

func newImportCommand() *cobra.Command {
	var repoDir, bank, exportPath string

	cmd := &cobra.Command{
		Use:   "import [file...]",
		Short: "Import new statement documents",
		Long: "Import statement documents in new mode: lines already stored are skipped.\n" +
			"With no files, every document in the watch directory is imported and moved\n" +
			"to processed/ when watch.move_processed is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cmd.OutOrStdout(), repoDir, bank, exportPath, args)
		},
	}

	cmd.Flags().StringVar(&repoDir, "repo", ".", "project directory")
	cmd.Flags().StringVar(&bank, "bank", "", "bank id (defaults to the configured bank)")
	cmd.Flags().StringVar(&exportPath, "export", "", "write the stored transactions as CSV afterwards")

	return cmd
}

func runImport(ctx context.Context, out io.Writer, repoDir, bank, exportPath string, files []string) error {
	a, err := loadApp(ctx, repoDir)
	if err != nil {
		return err
	}
	defer a.Close()

	scanned := len(files) == 0
	if scanned {
		found, err := importer.Scan(a.path(a.cfg.Watch.Dir), a.cfg.Watch.Extensions)
		if err != nil {
			return err
		}
		for _, f := range found {
			files = append(files, f.Path)
		}
		if len(files) == 0 {
			fmt.Fprintf(out, "No statements in %s\n", a.cfg.Watch.Dir)
			return nil
		}
	}

	batch, err := a.coord.ImportAll(ctx, requests(files, a.bank(bank), model.ModeNew))
	printBatch(out, batch)
	if scanned && a.cfg.Watch.MoveProcessed && !a.persistent() {
		// The rows are gone when this process exits; moving the documents
		// would hide them from the next scan.
		a.log.Warn("memory storage: leaving documents in the watch directory")
	} else if scanned && a.cfg.Watch.MoveProcessed {
		for _, res := range batch.Results {
			if _, err := importer.MarkProcessed(res.Path); err != nil {
				a.log.Warn("moving to processed", zap.String("path", res.Path), zap.Error(err))
			}
		}
	}
	if err != nil {
		return err
	}
	if exportPath != "" && len(batch.Results) > 0 {
		if err := writeExport(ctx, a.store, out, exportPath, store.Filter{}); err != nil {
			return err
		}
	}
	return batch.Err()
}

func newReimportCommand() *cobra.Command {
	var repoDir, bank string
	var all bool

	cmd := &cobra.Command{
		Use:   "reimport [file...]",
		Short: "Replace statements with a fresh parse and classification",
		Long: "Reimport deletes every stored line of each document's statement and imports\n" +
			"it again, so edited rules and categories apply. --all replays every document\n" +
			"in the processed/ directory. Interrupting stops between statements.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("pass either files or --all")
			}
			return runReimport(cmd.Context(), cmd.OutOrStdout(), repoDir, bank, args, all)
		},
	}

	cmd.Flags().StringVar(&repoDir, "repo", ".", "project directory")
	cmd.Flags().StringVar(&bank, "bank", "", "bank id (defaults to the configured bank)")
	cmd.Flags().BoolVar(&all, "all", false, "reimport every processed document")

	return cmd
}

func runReimport(ctx context.Context, out io.Writer, repoDir, bank string, files []string, all bool) error {
	a, err := loadApp(ctx, repoDir)
	if err != nil {
		return err
	}
	defer a.Close()

	if all {
		found, err := importer.ScanProcessed(a.path(a.cfg.Watch.Dir), a.cfg.Watch.Extensions)
		if err != nil {
			return err
		}
		for _, f := range found {
			files = append(files, f.Path)
		}
	}

	batch, err := a.coord.ImportAll(ctx, requests(files, a.bank(bank), model.ModeReplace))
	printBatch(out, batch)
	if err != nil {
		fmt.Fprintf(out, "Stopped after %d of %d statements\n", batch.Completed, len(files))
		return err
	}
	return batch.Err()
}

func requests(files []string, bank string, mode model.Mode) []ingest.Request {
	reqs := make([]ingest.Request, len(files))
	for i, f := range files {
		reqs[i] = ingest.Request{Path: f, BankID: bank, Mode: mode}
	}
	return reqs
}

func printBatch(out io.Writer, batch ingest.BatchResult) {
	for _, res := range batch.Results {
		printResult(out, res)
	}
	for _, f := range batch.Failures {
		fmt.Fprintf(out, "%s: FAILED: %v\n", filepath.Base(f.Path), f.Err)
	}
}

func printResult(out io.Writer, res *model.ImportResult) {
	fmt.Fprintf(out, "%s: %s statement %s: %d inserted, %d skipped",
		filepath.Base(res.Path), res.BankID, res.StatementNumber, res.Inserted, res.Skipped)
	if res.Mode == model.ModeReplace {
		fmt.Fprintf(out, ", %d reclassified", res.Reclassified)
	}
	fmt.Fprintln(out)
}
