package commands

import (
	"github.com/spf13/cobra"

	"github.com/cleared-dev/tally/internal/buildinfo"
)

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tally",
		Short:   "Import, reconcile and classify bank statements",
		Version: buildinfo.String(),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newInitCommand(),
		newImportCommand(),
		newReimportCommand(),
		newWatchCommand(),
		newClassifyCommand(),
		newBanksCommand(),
		newCheckCommand(),
		newExportCommand(),
		newStatementsCommand(),
	)

	return rootCmd
}
