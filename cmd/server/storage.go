package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"voxelrelay.ai/internal/config"
	"voxelrelay.ai/internal/persistence/chunkdb"
	"voxelrelay.ai/internal/persistence/chunkfs"
	"voxelrelay.ai/internal/sim/chunk"
)

type chunkStorage interface {
	Load(ctx context.Context, c chunk.Coord) ([]byte, error)
	Save(ctx context.Context, c chunk.Coord, payload []byte) error
	Close() error
}

func openChunkStorage(cfg config.Config, logger *log.Logger) (chunkStorage, error) {
	switch cfg.Storage.Backend {
	case "none":
		logger.Printf("chunk storage disabled; chunks are regenerated on every load")
		return nil, nil
	case "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "chunks.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		db, err := chunkdb.Open(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "fs":
		dir := cfg.Storage.Path
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "chunks")
		}
		return fsStorage{chunkfs.New(dir)}, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

// fsStorage adds a no-op Close to the file store.
type fsStorage struct{ *chunkfs.Store }

func (fsStorage) Close() error { return nil }
