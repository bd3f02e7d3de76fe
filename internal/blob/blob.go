// Package blob stores run results payloads. Results can be much larger
// than the run record that points at them, so they live in a separate
// key/value store addressed by an opaque key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/curate-ml/curate/internal/logging"
)

// ErrNotFound is returned when a key has no blob
var ErrNotFound = errors.New("blob not found")

// Store defines the interface for all blob backends
type Store interface {
	// Put stores data under key, replacing any previous value
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the data stored under key
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if key has a blob
	Exists(ctx context.Context, key string) (bool, error)
}

// Backend names a Store implementation
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendGridFS Backend = "gridfs"
	BackendMinIO  Backend = "minio"
)

// Config selects and configures a backend
type Config struct {
	Backend Backend
	Redis   RedisConfig
	MinIO   MinIOConfig
	GridFS  GridFSConfig
}

// NewKey returns a fresh results key scoped to a dataset
func NewKey(dataset string) string {
	return path.Join("results", dataset, uuid.NewString())
}

// Open builds the configured backend. db is required for GridFS.
func Open(ctx context.Context, cfg Config, db *mongo.Database, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedis(client, cfg.Redis.Prefix), nil
	case BackendGridFS:
		if db == nil {
			return nil, fmt.Errorf("gridfs results backend requires a mongodb database")
		}
		return NewGridFS(db, cfg.GridFS)
	case BackendMinIO:
		return NewMinIO(ctx, cfg.MinIO, logger)
	}
	return nil, fmt.Errorf("unknown results backend %q", cfg.Backend)
}
