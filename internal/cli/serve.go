package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	apphttp "cashbook/internal/http"
	applog "cashbook/internal/log"
)

type serveCmd struct {
	port string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the sync coordinator and the JSON API" }
func (*serveCmd) Usage() string {
	return `cashbook serve [-port <port>]

  Loads the ledger of LEDGER_USER_ID from the configured backend, keeps it
  synchronized and serves the JSON API until interrupted.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.port, "port", "", "Port to listen on. Overrides PORT.")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if c.port != "" {
		cfg.Port = c.port
	}
	logger := SetupLogger(cfg, applog.ComponentApp)
	loc, err := cfg.Location()
	if err != nil {
		logger.Error("Invalid timezone", applog.FieldError, err)
		return subcommands.ExitFailure
	}

	s, err := OpenSession(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open ledger", "error", err)
		return subcommands.ExitFailure
	}

	srv := apphttp.NewServer(":"+cfg.Port, s.Coordinator, apphttp.Options{
		Location: loc,
		Logger:   logger.WithComponent(applog.ComponentHTTP),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting cashbook server", "port", cfg.Port, "backend", cfg.DataBackend, applog.FieldUserID, cfg.LedgerUserID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if err := s.Close(shutdownCtx); err != nil {
			logger.Error("Ledger shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", "error", err)
		return subcommands.ExitFailure
	}
	logger.Info("Server stopped gracefully")
	return subcommands.ExitSuccess
}
