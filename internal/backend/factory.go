package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cashbook/internal/amqp"
	applog "cashbook/internal/log"
	"cashbook/internal/replica/memory"
	"cashbook/internal/replica/redis"
	"cashbook/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		result *BackendResult
		err    error
	)
	switch config.Type {
	case MemoryBackend:
		result = f.createMemoryBackend()
	case RedisBackend:
		result, err = f.createRedisBackend(ctx, config)
	case SQLiteBackend:
		result, err = f.createSQLiteBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	f.attachPublisher(result, config)
	return result, nil
}

func (f *DefaultFactory) createMemoryBackend() *BackendResult {
	store := memory.New()
	f.logger.Info("Initialized memory backend")
	return &BackendResult{
		Store:   store,
		Cleanup: store.Close,
	}
}

func (f *DefaultFactory) createRedisBackend(ctx context.Context, config Config) (*BackendResult, error) {
	store, err := redis.NewFromURL(ctx, config.RedisURL, config.RedisKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis replica: %w", err)
	}
	f.logger.With(applog.FieldComponent, applog.ComponentRedis).Info("Initialized Redis backend", "key_prefix", config.RedisKeyPrefix)
	return &BackendResult{
		Store:   store,
		Cleanup: store.Close,
	}, nil
}

// createSQLiteBackend opens the single-user local store; every identity
// maps to the same document.
func (f *DefaultFactory) createSQLiteBackend(config Config) (*BackendResult, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}
	f.logger.With(applog.FieldComponent, applog.ComponentStorage).Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
	return &BackendResult{
		Store:   repo,
		KeyFor:  func(string) string { return storage.LocalKey },
		Cleanup: repo.Close,
	}, nil
}

// attachPublisher connects the optional AMQP publisher. A broker that is
// down does not stop the backend from serving.
func (f *DefaultFactory) attachPublisher(result *BackendResult, config Config) {
	if config.AMQPURL == "" {
		return
	}
	logger := f.logger.With(applog.FieldComponent, applog.ComponentAMQP)
	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
	if err != nil {
		logger.Warn("Failed to initialize AMQP client, continuing without change fan-out", applog.FieldError, err)
		return
	}
	logger.Info("Initialized AMQP client",
		"exchange", config.AMQPExchange,
		"queue", config.AMQPQueue)

	result.Publisher = client
	storeCleanup := result.Cleanup
	result.Cleanup = func() error {
		var errs []error
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
		if storeCleanup != nil {
			if err := storeCleanup(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
