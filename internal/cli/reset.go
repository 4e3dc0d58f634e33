package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

type resetCmd struct {
	yes bool
}

func (*resetCmd) Name() string     { return "reset" }
func (*resetCmd) Synopsis() string { return "delete every entry and restore the default categories" }
func (*resetCmd) Usage() string {
	return `cashbook reset -yes

  Restores the default document: no entries, the default expense
  categories and income types, and the default currency. Requires -yes.
`
}

func (c *resetCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.yes, "yes", false, "Confirm that all data will be deleted.")
}

func (c *resetCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.yes {
		fmt.Fprintln(os.Stderr, "reset deletes every entry; run again with -yes to confirm")
		return subcommands.ExitUsageError
	}
	return withSession(ctx, func(ctx context.Context, s *Session) error {
		if err := s.Coordinator.ResetToDefaults(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Ledger reset to defaults")
		return nil
	})
}
