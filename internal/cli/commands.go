package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	applog "cashbook/internal/log"
)

// Commands lists the subcommands of the cashbook binary.
var Commands = []subcommands.Command{
	&serveCmd{},
	&exportCmd{},
	&importCmd{},
	&overviewCmd{},
	&addCmd{},
	&categoriesCmd{},
	&resetCmd{},
}

// closeTimeout bounds the final flush of short-lived commands.
const closeTimeout = 10 * time.Second

// withSession runs fn against a freshly opened session and closes it,
// flushing whatever fn changed.
func withSession(ctx context.Context, fn func(context.Context, *Session) error) subcommands.ExitStatus {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	logger := SetupLogger(cfg, applog.ComponentCLI)

	s, err := OpenSession(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	runErr := fn(ctx, s)

	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	closeErr := s.Close(cctx)

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		return subcommands.ExitFailure
	}
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "changes may not have been saved: %v\n", closeErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
