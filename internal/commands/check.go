package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/tally/internal/importer"
)

func newBanksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "banks",
		Short: "List supported banks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, b := range importer.DefaultRegistry(importer.DefaultTolerance).Banks() {
				fmt.Fprintln(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	var repoDir string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the inference backend is reachable and list its models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), repoDir)
		},
	}

	cmd.Flags().StringVar(&repoDir, "repo", ".", "project directory")

	return cmd
}

func runCheck(ctx context.Context, out io.Writer, repoDir string) error {
	a, err := loadApp(ctx, repoDir)
	if err != nil {
		return err
	}
	defer a.Close()

	inf := a.cfg.Inference
	if a.backend == nil {
		fmt.Fprintln(out, "Inference disabled; unmatched lines go to", a.engine.Fallback())
		return nil
	}
	if err := a.backend.CheckConnection(ctx); err != nil {
		return fmt.Errorf("%s backend at %s: %w", inf.Backend, inf.Host, err)
	}
	fmt.Fprintf(out, "%s backend OK, model %s\n", inf.Backend, inf.Model)

	models, err := a.backend.Models(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}
	for _, m := range models {
		fmt.Fprintln(out, " ", m)
	}
	return nil
}
