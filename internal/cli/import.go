package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

type importCmd struct {
	yes bool
}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "replace the ledger with a JSON backup file" }
func (*importCmd) Usage() string {
	return `cashbook import -yes <file>

  Replaces every entry, category, income type and setting with the
  contents of a backup file produced by export. Requires -yes.
`
}

func (c *importCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.yes, "yes", false, "Confirm that the current ledger will be replaced.")
}

func (c *importCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "import takes exactly one backup file")
		return subcommands.ExitUsageError
	}
	if !c.yes {
		fmt.Fprintln(os.Stderr, "import replaces the whole ledger; run again with -yes to confirm")
		return subcommands.ExitUsageError
	}
	data, err := os.ReadFile(f.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	return withSession(ctx, func(ctx context.Context, s *Session) error {
		doc, err := s.Coordinator.Import(ctx, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Imported %d entries\n", len(doc.Entries))
		return nil
	})
}
