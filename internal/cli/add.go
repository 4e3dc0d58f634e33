package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"cashbook/internal/core"
)

type addCmd struct {
	income   bool
	category string
	date     string
}

func (*addCmd) Name() string     { return "add" }
func (*addCmd) Synopsis() string { return "record an expense or an income" }
func (*addCmd) Usage() string {
	return `cashbook add [-income] -c <category> [-d YYYY-MM-DD] <amount>

  Records an expense, or an income with -income. The category must be one
  of the ledger's expense categories (or income types with -income).
`
}

func (c *addCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.income, "income", false, "Record an income instead of an expense.")
	f.StringVar(&c.category, "c", "", "Expense category or income type.")
	f.StringVar(&c.date, "d", "", "Date of the entry (default: now).")
}

func (c *addCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "add takes exactly one amount")
		return subcommands.ExitUsageError
	}
	amount, err := core.ParseAmount(f.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}

	return withSession(ctx, func(ctx context.Context, s *Session) error {
		e := core.Entry{Type: core.Expense, Amount: amount, Category: strings.TrimSpace(c.category), Timestamp: time.Now().UnixMilli()}
		if c.income {
			e.Type = core.Income
		}
		if c.date != "" {
			loc, err := s.Config.Location()
			if err != nil {
				return err
			}
			day, err := time.ParseInLocation("2006-01-02", c.date, loc)
			if err != nil {
				return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", c.date)
			}
			e.Timestamp = day.UnixMilli()
		}

		created, err := s.Coordinator.AddEntry(ctx, e)
		if err != nil {
			return err
		}
		doc, err := s.Coordinator.Document(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Added %s %s %s (%s)\n", created.Type, created.Category,
			core.FormatAmount(doc.Settings.CurrencySymbol, created.Amount), created.ID)
		return nil
	})
}
