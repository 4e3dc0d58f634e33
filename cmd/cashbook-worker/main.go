package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cashbook/internal/amqp"
	"cashbook/internal/backend"
	"cashbook/internal/cli"
	applog "cashbook/internal/log"
	"cashbook/internal/services"
	"cashbook/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.AMQPURL == "" {
		return errors.New("AMQP_URL is required for the backup worker")
	}
	logger := cli.SetupLogger(cfg, applog.ComponentWorker)
	logger.Info("Starting cashbook-worker", "backend", cfg.DataBackend, "backup_dir", cfg.BackupDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The worker only reads documents; it consumes with its own client.
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	bcfg.AMQPURL = ""
	res, err := backend.NewFactory(logger.Logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("Backend cleanup failed", "error", err)
		}
	}()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		return fmt.Errorf("initialize AMQP client: %w", err)
	}
	defer amqpClient.Close()

	keyFor := services.UserDocumentKey
	if res.KeyFor != nil {
		keyFor = res.KeyFor
	}
	key := keyFor(cfg.LedgerUserID)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	backups := worker.NewBackupWorker(res.Store, cfg.BackupDir, func() time.Time { return time.Now().In(loc) })

	// On startup, back up the current document in case changes were missed
	logger.Info("Performing startup backup...", applog.FieldKey, key)
	if err := backups.StartupBackup(ctx, key); err != nil {
		logger.Error("Startup backup failed", "error", err)
		// Don't exit - continue with normal operation
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := amqpClient.ConsumeLedgerChanged(gctx, backups.HandleLedgerChanged)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("message consumption failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Daily backup so each day has a file even without changes.
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := backups.Backup(gctx, key); err != nil {
					logger.Error("Periodic backup failed", "error", err)
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("Worker shutdown complete")
	return err
}
