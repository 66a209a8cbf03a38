package ledger

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/database"
)

// Open returns the Store selected by cfg.Driver.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres", "postgresql":
		db, err := database.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Ledger backed by PostgreSQL")
		return NewPostgresStore(db), nil
	case "sqlite", "":
		store, err := NewSQLiteStore(SQLiteConfig{Path: cfg.URL, BusyTimeout: cfg.BusyTimeout})
		if err != nil {
			return nil, err
		}
		logger.Info("Ledger backed by SQLite", zap.String("path", cfg.URL))
		return store, nil
	case "memory":
		logger.Warn("Ledger is in memory; balances are lost on restart")
		return NewMemoryStore(), nil
	default:
		return nil, &configError{driver: cfg.Driver}
	}
}

type configError struct {
	driver string
}

func (e *configError) Error() string {
	return fmt.Sprintf("unsupported database driver %q", e.driver)
}
