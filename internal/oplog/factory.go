package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/tinyflake/git-server/internal/config"
	"github.com/tinyflake/git-server/internal/db"
)

// OpenStore creates the store selected by cfg.
// It returns a nil Store for the "none" backend or when cfg is nil.
func OpenStore(ctx context.Context, cfg *config.OperationLogConfig) (Store, error) {
	if cfg == nil {
		return nil, nil
	}
	backend := cfg.GetBackend()
	slog.Info("Opening operation log", "backend", backend)

	switch backend {
	case config.OperationLogBackendFile:
		store, err := NewFileStore(cfg.Path, cfg.GetMaxEntries())
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.OperationLogBackendSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return newSQLStoreOrClose(ctx, sqlDB, BackendSQLite)

	case config.OperationLogBackendMySQL:
		sqlDB, err := db.OpenMySQL(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return newSQLStoreOrClose(ctx, sqlDB, BackendMySQL)

	case config.OperationLogBackendPostgreSQL:
		sqlDB, err := db.OpenPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return newSQLStoreOrClose(ctx, sqlDB, BackendPostgreSQL)

	case config.OperationLogBackendNone:
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported operation log backend: %s", backend)
	}
}

func newSQLStoreOrClose(ctx context.Context, sqlDB *sql.DB, backend Backend) (Store, error) {
	store, err := NewSQLStore(ctx, sqlDB, backend)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}
