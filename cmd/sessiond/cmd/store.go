package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/sessionguard/audit"
	"github.com/jmcleod/sessionguard/config"
	bboltstore "github.com/jmcleod/sessionguard/storage/bbolt"
	"github.com/jmcleod/sessionguard/storage/memory"
	"github.com/jmcleod/sessionguard/storage/postgres"
)

// openPersister opens the audit store named in cfg. The returned close
// function must be called once the trail has been closed. A bbolt file is
// locked by its first opener, so offline commands against a running
// server's file fail after a short wait.
func openPersister(ctx context.Context, cfg *config.Config) (audit.Persister, func() error, error) {
	switch cfg.Audit.Store {
	case config.StoreMemory:
		return memory.NewStore(), func() error { return nil }, nil
	case config.StoreBbolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.BboltPath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		s, err := bboltstore.NewStoreFromFile(cfg.Audit.BboltPath, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("opening bbolt audit store: %w", err)
		}
		return s, s.Close, nil
	case config.StorePostgres:
		s, err := postgres.Open(ctx, cfg.Audit.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres audit store: %w", err)
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown audit store %q", config.ErrInvalidConfig, cfg.Audit.Store)
}

// openCheckpoint opens the chain-head checkpoint if one is configured. It
// returns nil options when rollback detection is disabled.
func openCheckpoint(cfg *config.Config) ([]audit.Option, func() error, error) {
	if cfg.Audit.CheckpointPath == "" {
		return nil, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Audit.CheckpointPath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	cp, err := bboltstore.NewCheckpointFromFile(cfg.Audit.CheckpointPath, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	return []audit.Option{audit.WithCheckpoint(cp)}, cp.Close, nil
}
