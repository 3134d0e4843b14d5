package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/tally/internal/export"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/store"
)

const dateLayout = "2006-01-02"

func newExportCommand() *cobra.Command {
	var repoDir, output, txnType, from, to string
	var f store.Filter

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored transactions as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			f.Type = model.TxnType(txnType)
			if f.Type != "" && !f.Type.Valid() {
				return fmt.Errorf("invalid type %q (want debit or credit)", txnType)
			}
			if f.From, err = parseDate(from); err != nil {
				return err
			}
			if f.To, err = parseDate(to); err != nil {
				return err
			}
			return runExport(cmd.Context(), cmd.OutOrStdout(), repoDir, output, f)
		},
	}

	cmd.Flags().StringVar(&repoDir, "repo", ".", "project directory")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&f.BankID, "bank", "", "only this bank")
	cmd.Flags().StringVar(&f.StatementNumber, "statement", "", "only this statement number")
	cmd.Flags().StringVar(&f.Category, "category", "", "only this category")
	cmd.Flags().StringVar(&f.Search, "search", "", "description or recipient contains")
	cmd.Flags().StringVar(&txnType, "type", "", "debit or credit")
	cmd.Flags().StringVar(&from, "from", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last date, YYYY-MM-DD")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")

	return cmd
}

func runExport(ctx context.Context, out io.Writer, repoDir, output string, f store.Filter) error {
	a, err := loadApp(ctx, repoDir)
	if err != nil {
		return err
	}
	defer a.Close()
	return writeExport(ctx, a.store, out, output, f)
}

// writeExport writes the filtered transactions to output, or to out when
// output is empty.
func writeExport(ctx context.Context, r store.Reader, out io.Writer, output string, f store.Filter) error {
	txns, err := r.Transactions(ctx, f)
	if err != nil {
		return fmt.Errorf("reading transactions: %w", err)
	}
	if output == "" {
		return export.Write(out, txns)
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", output, err)
	}
	if err := export.Write(file, txns); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", output, err)
	}
	fmt.Fprintf(out, "Wrote %d transactions to %s\n", len(txns), output)
	return nil
}

func newStatementsCommand() *cobra.Command {
	var repoDir string

	cmd := &cobra.Command{
		Use:   "statements",
		Short: "List imported statements",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), repoDir)
			if err != nil {
				return err
			}
			defer a.Close()
			return printStatements(cmd.Context(), cmd.OutOrStdout(), a.store)
		},
	}

	cmd.Flags().StringVar(&repoDir, "repo", ".", "project directory")

	return cmd
}

func printStatements(ctx context.Context, out io.Writer, r store.Reader) error {
	stmts, err := r.Statements(ctx)
	if err != nil {
		return fmt.Errorf("reading statements: %w", err)
	}
	if len(stmts) == 0 {
		fmt.Fprintln(out, "No statements imported")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BANK\tSTATEMENT\tDATE\tOPENING\tCLOSING\tIMPORTED")
	for _, s := range stmts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.BankID, s.StatementNumber, s.StatementDate.Format(dateLayout),
			s.OpeningBalance.StringFixed(2), s.ClosingBalance.StringFixed(2),
			s.ImportedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}
