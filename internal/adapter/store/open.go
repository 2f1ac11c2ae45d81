package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"orchestra/internal/domain"
	"orchestra/internal/infra/config"
)

// Open returns the ContextStore selected by cfg.Driver. log receives the
// driver's own warnings.
func Open(cfg config.StoreConfig, log *slog.Logger) (domain.ContextStore, error) {
	switch cfg.Driver {
	case "mysql":
		db, err := ConnectMySQL(cfg.DSN, log)
		if err != nil {
			return nil, domain.DurableStore("connect mysql", err)
		}
		return NewGormStore(db)
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		return NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q: %w", cfg.Driver, domain.ErrInvalidInput)
	}
}
