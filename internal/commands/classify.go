package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/cleared-dev/tally/internal/classify"
)

func newClassifyCommand() *cobra.Command {
	var repoDir, amount string
	var rulesOnly bool

	cmd := &cobra.Command{
		Use:   "classify <description>",
		Short: "Show how a statement line would be classified",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			in := classify.Input{Description: strings.Join(args, " "), Amount: amt}
			return runClassify(cmd.Context(), cmd.OutOrStdout(), repoDir, in, rulesOnly)
		},
	}

	cmd.Flags().StringVar(&repoDir, "repo", ".", "project directory")
	cmd.Flags().StringVar(&amount, "amount", "0", "signed amount, debits negative")
	cmd.Flags().BoolVar(&rulesOnly, "rules-only", false, "skip the inference backend")

	return cmd
}

func runClassify(ctx context.Context, out io.Writer, repoDir string, in classify.Input, rulesOnly bool) error {
	a, err := loadApp(ctx, repoDir)
	if err != nil {
		return err
	}
	defer a.Close()

	var res classify.Result
	if rulesOnly {
		var ok bool
		if res, ok = a.engine.ClassifyRulesOnly(in); !ok {
			fmt.Fprintln(out, "no rule matches")
			return nil
		}
	} else {
		res = a.engine.Classify(ctx, in)
	}

	fmt.Fprintf(out, "category:   %s\n", res.Category)
	fmt.Fprintf(out, "confidence: %s\n", res.Confidence)
	fmt.Fprintf(out, "source:     %s\n", res.Source)
	if res.RecipientOrPayer != "" {
		fmt.Fprintf(out, "party:      %s\n", res.RecipientOrPayer)
	}
	return nil
}
