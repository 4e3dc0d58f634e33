package backend

import (
	"context"

	"cashbook/internal/replica"
	"cashbook/internal/services"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult holds the document store for the selected backend and the
// pieces the sync coordinator needs alongside it.
type BackendResult struct {
	Store replica.DocumentStore

	// KeyFor maps a user id to a document key; nil means the coordinator
	// default.
	KeyFor func(userID string) string

	// Publisher fans confirmed writes out over AMQP; nil when AMQP is not
	// configured or could not connect.
	Publisher services.ChangePublisher

	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	SQLiteDBPath string

	RedisURL       string
	RedisKeyPrefix string

	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
}

// BackendType represents the type of backend
type BackendType string

const (
	MemoryBackend BackendType = "memory"
	RedisBackend  BackendType = "redis"
	SQLiteBackend BackendType = "sqlite"
)

// String returns the string representation of the backend type
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid checks if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, RedisBackend, SQLiteBackend:
		return true
	default:
		return false
	}
}
