package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"cashbook/internal/core"
)

type exportCmd struct {
	out string
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "write the ledger to a JSON backup file" }
func (*exportCmd) Usage() string {
	return `cashbook export [-o <file>]

  Writes the whole ledger as a backup file. The default name is
  cashbook-backup-YYYY-MM-DD.json in the current directory; "-" writes to
  standard output.
`
}

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.out, "o", "", "Output file, or - for standard output.")
}

func (c *exportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withSession(ctx, func(ctx context.Context, s *Session) error {
		doc, err := s.Coordinator.Document(ctx)
		if err != nil {
			return err
		}
		data, err := core.Export(doc)
		if err != nil {
			return err
		}

		if c.out == "-" {
			_, err := stdout.Write(data)
			return err
		}
		path := c.out
		if path == "" {
			loc, err := s.Config.Location()
			if err != nil {
				return err
			}
			path = core.ExportFileName(time.Now().In(loc))
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
		fmt.Fprintf(stdout, "Exported %d entries to %s\n", len(doc.Entries), path)
		return nil
	})
}
