package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"cashbook/internal/core"
)

type overviewCmd struct {
	year  int
	month int
}

func (*overviewCmd) Name() string     { return "overview" }
func (*overviewCmd) Synopsis() string { return "print the income and expense summary of a month" }
func (*overviewCmd) Usage() string {
	return `cashbook overview [-y <year>] [-m <month>]

  Prints total income, total expenses, net balance and the per-category
  breakdown of one month (default: the current month).
`
}

func (c *overviewCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.year, "y", 0, "Year (default: current year).")
	f.IntVar(&c.month, "m", 0, "Month 1-12 (default: current month).")
}

func (c *overviewCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.month < 0 || c.month > 12 {
		fmt.Fprintf(os.Stderr, "invalid month %d: must be between 1 and 12\n", c.month)
		return subcommands.ExitUsageError
	}
	return withSession(ctx, func(ctx context.Context, s *Session) error {
		loc, err := s.Config.Location()
		if err != nil {
			return err
		}
		now := time.Now().In(loc)
		year, month := now.Year(), now.Month()
		if c.year != 0 {
			year = c.year
		}
		if c.month != 0 {
			month = time.Month(c.month)
		}

		doc, err := s.Coordinator.Document(ctx)
		if err != nil {
			return err
		}
		return printOverview(stdout, core.Overview(doc, year, month, loc))
	})
}

func printOverview(w io.Writer, ov core.MonthOverview) error {
	sym := ov.CurrencySymbol
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s %d\t\n", time.Month(ov.Month), ov.Year)
	fmt.Fprintf(tw, "Total income\t%s\n", core.FormatAmount(sym, ov.Totals.Income))
	fmt.Fprintf(tw, "Total expenses\t%s\n", core.FormatAmount(sym, ov.Totals.Expense))
	fmt.Fprintf(tw, "Net balance\t%s\n", core.FormatAmount(sym, ov.Net))
	if len(ov.IncomeByType) > 0 {
		fmt.Fprintf(tw, "\t\nIncome by type\t\n")
		for _, r := range ov.IncomeByType {
			fmt.Fprintf(tw, "  %s\t%s\n", r.Name, core.FormatAmount(sym, r.Amount))
		}
	}
	if len(ov.ExpenseByCat) > 0 {
		fmt.Fprintf(tw, "\t\nExpenses by category\t\n")
		for _, r := range ov.ExpenseByCat {
			fmt.Fprintf(tw, "  %s\t%s\n", r.Name, core.FormatAmount(sym, r.Amount))
		}
	}
	if ov.EntryCount == 0 {
		fmt.Fprintf(tw, "\t\nNo entries this month.\t\n")
	}
	return tw.Flush()
}
