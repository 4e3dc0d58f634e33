// Package cli implements the cashbook subcommands and the start-up steps
// they share with cmd/cashbook-worker.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"cashbook/internal/backend"
	"cashbook/internal/config"
	applog "cashbook/internal/log"
	"cashbook/internal/services"
)

// stdout is where commands print their results.
var stdout io.Writer = os.Stdout

// bootstrapTimeout bounds the wait for the first snapshot.
const bootstrapTimeout = 15 * time.Second

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadConfig loads and validates configuration from the environment.
func LoadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetupLogger builds the process logger from cfg and installs it as the
// slog default. Logs go to stderr so command output stays clean.
func SetupLogger(cfg *config.Config, component string) *applog.Logger {
	logger := applog.New(applog.Config{
		Level:     applog.ParseLevel(cfg.LogLevel),
		Format:    cfg.LogFormat,
		Component: component,
		Writer:    os.Stderr,
	})
	applog.SetDefault(logger)
	return logger
}

// Session is a started, signed-in sync coordinator over the configured
// backend.
type Session struct {
	Coordinator *services.SyncCoordinator
	Config      *config.Config
	Logger      *applog.Logger

	cleanup backend.CleanupFunc
}

// OpenSession creates the backend, starts the coordinator, signs in as
// LEDGER_USER_ID and waits for the first snapshot.
func OpenSession(ctx context.Context, cfg *config.Config, logger *applog.Logger) (*Session, error) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	res, err := backend.NewFactory(logger.Logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, err
	}

	ccfg := services.DefaultSyncCoordinatorConfig()
	ccfg.Debounce = cfg.SyncDebounce
	ccfg.MaxBackoff = cfg.SyncMaxBackoff
	if res.KeyFor != nil {
		ccfg.KeyFor = res.KeyFor
	}

	coord := services.NewSyncCoordinator(res.Store, res.Publisher, ccfg)
	s := &Session{Coordinator: coord, Config: cfg, Logger: logger, cleanup: res.Cleanup}

	if err := coord.Start(ctx); err != nil {
		s.release()
		return nil, err
	}
	if err := coord.SignIn(ctx, cfg.LedgerUserID); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	if err := WaitBootstrapped(wctx, coord); err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("load ledger for %q: %w", cfg.LedgerUserID, err)
	}
	return s, nil
}

// Close flushes pending changes, stops the coordinator and releases the
// backend.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if s.Coordinator.IsRunning() {
		if err := s.Coordinator.Flush(ctx); err != nil && !errors.Is(err, services.ErrNotSignedIn) {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
		if err := s.Coordinator.Stop(ctx); err != nil && !errors.Is(err, services.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) release() error {
	if s.cleanup == nil {
		return nil
	}
	cleanup := s.cleanup
	s.cleanup = nil
	return cleanup()
}

// WaitBootstrapped blocks until the coordinator has loaded the document.
// An offline session is reported as an error.
func WaitBootstrapped(ctx context.Context, c *services.SyncCoordinator) error {
	events, cancel := c.Watch()
	defer cancel()
	for {
		st := c.Status()
		switch st.State {
		case services.StateSynced, services.StateDirty, services.StateWriting:
			return nil
		case services.StateOffline:
			return fmt.Errorf("ledger is offline: %s", st.LastError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return services.ErrNotRunning
			}
		}
	}
}
