// Package storage provides the durable key-value backends behind the durable
// cache tier and persisted navigation state.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// Backend names a KVStore implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
	BackendSQLite Backend = "sqlite"
	BackendS3     Backend = "s3"
)

// Config selects and configures a durable backend.
type Config struct {
	Backend Backend `yaml:"backend"`

	// Path is the data directory for badger or the database file for sqlite.
	Path string `yaml:"path"`

	// QuotaBytes bounds the memory backend. Zero is unbounded.
	QuotaBytes int64 `yaml:"quota_bytes"`

	S3 S3Config `yaml:"s3"`
}

var errClosed = errors.NewError(errors.ErrCodeComponentStopped, "store is closed").WithComponent("storage")

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config, logger *utils.StructuredLogger) (types.KVStore, error) {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	logger = logger.WithComponent("storage")

	switch Backend(strings.ToLower(string(cfg.Backend))) {
	case BackendMemory, "":
		return NewMemoryKV(cfg.QuotaBytes), nil
	case BackendBadger:
		return OpenBadger(BadgerOptions{DataDir: cfg.Path, InMemory: cfg.Path == ""})
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = ":memory:"
		}
		return OpenSQLite(ctx, path)
	case BackendS3:
		return OpenS3(ctx, cfg.S3, logger)
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown durable backend %q", cfg.Backend)).WithComponent("storage")
	}
}
