package storage

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/syncmesh/syncmesh/internal/config"
)

// Open creates the store selected by the configuration.
func Open(cfg *config.Config, logger *logrus.Logger) (Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendBadger, "":
		return NewBadgerStore(BadgerOptions{
			DataDir:    cfg.BadgerDir(),
			SyncWrites: cfg.Storage.SyncWrites,
			GCEnabled:  true,
			Logger:     logger,
		})
	case config.BackendPebble:
		return NewPebbleStore(PebbleOptions{
			DataDir:    cfg.PebbleDir(),
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     logger,
		})
	case config.BackendSQLite:
		return NewSQLiteStore(SQLiteOptions{
			DSN:     cfg.Storage.SQLiteDSN,
			DataDir: cfg.DataDir,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}
