package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forge-labs/forge-go/internal/platform/env"
	_ "modernc.org/sqlite"
)

type Config struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

func DefaultConfig(dataDir string) Config {
	return Config{
		Path:        filepath.Join(dataDir, "sessions.db"),
		BusyTimeout: 5 * time.Second,
	}
}

func ConfigFromEnv(base Config) (Config, error) {
	busy, err := env.Duration("FORGE_SQLITE_BUSY_TIMEOUT", base.BusyTimeout)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Path:        env.String("FORGE_SQLITE_PATH", base.Path),
		BusyTimeout: busy,
	}, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("FORGE_SQLITE_PATH is required")
	}
	if c.BusyTimeout < 0 {
		return errors.New("FORGE_SQLITE_BUSY_TIMEOUT must be >= 0")
	}
	return nil
}

// Open opens the database file, creating its directory if needed. A single
// connection keeps writers serialized, which is what SQLite wants anyway.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}
