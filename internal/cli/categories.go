package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"cashbook/internal/core"
)

type categoriesCmd struct {
	income bool
	add    string
	rename string
	to     string
	delete string
}

func (*categoriesCmd) Name() string     { return "categories" }
func (*categoriesCmd) Synopsis() string { return "list or edit expense categories and income types" }
func (*categoriesCmd) Usage() string {
	return `cashbook categories [-income] [-add <label> | -rename <label> -to <label> | -delete <label>]

  Without an action, lists the expense categories (or income types with
  -income). Renaming updates every entry that used the old label; a label
  still used by entries cannot be deleted.
`
}

func (c *categoriesCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.income, "income", false, "Work on income types instead of expense categories.")
	f.StringVar(&c.add, "add", "", "Label to add.")
	f.StringVar(&c.rename, "rename", "", "Label to rename; requires -to.")
	f.StringVar(&c.to, "to", "", "New label for -rename.")
	f.StringVar(&c.delete, "delete", "", "Label to delete.")
}

func (c *categoriesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	actions := 0
	for _, v := range []string{c.add, c.rename, c.delete} {
		if v != "" {
			actions++
		}
	}
	if actions > 1 || (c.rename != "") != (c.to != "") {
		fmt.Fprintln(os.Stderr, "give at most one of -add, -rename with -to, -delete")
		return subcommands.ExitUsageError
	}

	kind := core.Expense
	if c.income {
		kind = core.Income
	}

	return withSession(ctx, func(ctx context.Context, s *Session) error {
		var err error
		switch {
		case c.add != "":
			err = s.Coordinator.AddCategory(ctx, kind, c.add)
		case c.rename != "":
			err = s.Coordinator.RenameCategory(ctx, kind, c.rename, c.to)
		case c.delete != "":
			err = s.Coordinator.DeleteCategory(ctx, kind, c.delete)
		}
		if err != nil {
			return err
		}

		doc, err := s.Coordinator.Document(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, strings.Join(doc.Labels(kind), "\n"))
		return nil
	})
}
