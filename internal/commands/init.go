package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/tally/internal/config"
	"github.com/cleared-dev/tally/internal/importer"
)

func newInitCommand() *cobra.Command {
	var bank string
	var force bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a new tally project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}

			return runInit(cmd.OutOrStdout(), absDir, bank, force)
		},
	}

	cmd.Flags().StringVar(&bank, "bank", "", "bank id, see tally banks (required)")
	_ = cmd.MarkFlagRequired("bank")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing tally.yaml")

	return cmd
}

func runInit(out io.Writer, dir, bank string, force bool) error {
	if _, err := importer.DefaultRegistry(importer.DefaultTolerance).Resolve(bank); err != nil {
		return err
	}

	cfgPath := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config: %w", err)
	}

	cfg := config.Default(bank)

	// Create directory structure.
	dirs := []string{
		cfg.Watch.Dir,
		filepath.Join(cfg.Watch.Dir, "processed"),
		filepath.Dir(cfg.ImportLog),
		cfg.Storage.Dir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	// Keep secrets and raw statements out of version control.
	gitignore := ".env\n" + cfg.Watch.Dir + "/\n" + filepath.Dir(cfg.ImportLog) + "/\n"
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, cfg.Watch.Dir, ".gitkeep"), []byte{}, 0o644); err != nil {
		return fmt.Errorf("writing .gitkeep: %w", err)
	}

	fmt.Fprintf(out, "Initialized tally project for %s at %s\n", bank, dir)
	return nil
}
