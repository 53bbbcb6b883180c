package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/hostlink/config"
	"github.com/jmcleod/hostlink/storage"
	bboltstorage "github.com/jmcleod/hostlink/storage/bbolt"
	"github.com/jmcleod/hostlink/storage/memory"
	"github.com/jmcleod/hostlink/storage/postgres"
)

// openRepository opens the session backend named by h.Storage. The
// returned func releases it.
func openRepository(ctx context.Context, h config.HostConfig) (storage.Repository, func(), error) {
	switch h.Storage {
	case config.StorageMemory:
		return memory.NewRepository(), func() {}, nil
	case config.StoragePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, h.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		if err := os.MkdirAll(h.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(h.DataDir, "sessions.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	}
}
