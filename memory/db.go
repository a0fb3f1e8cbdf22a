package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aschepis/backscratcher/pilot/migrations"
	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// OpenDB opens (creating if needed) the SQLite database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func OpenDB(path string, logger zerolog.Logger) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := migrations.RunMigrations(db, logger); err != nil {
		_ = db.Close() //nolint:errcheck // Cleanup on error
		return nil, err
	}
	logger.Info().Str("path", path).Msg("Database ready")
	return db, nil
}
