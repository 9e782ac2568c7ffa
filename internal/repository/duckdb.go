package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marcboeker/go-duckdb"
)

const duckDBSchema = `
CREATE TABLE IF NOT EXISTS files (
	id           VARCHAR PRIMARY KEY,
	display_name VARCHAR NOT NULL,
	status       VARCHAR NOT NULL CHECK (status IN ('uploading', 'processing', 'ready', 'failed')),
	created_at   TIMESTAMP NOT NULL,
	row_count    INTEGER NOT NULL DEFAULT 0,
	parsed_rows  BLOB
)`

// DuckDBOptions tunes the embedded engine.
type DuckDBOptions struct {
	MemoryLimit string // e.g. "1GB"
	Threads     int
}

// NewDuckDBStore opens (or creates) a DuckDB file at path. An empty path
// opens a private in-memory database.
func NewDuckDBStore(ctx context.Context, path string, opts DuckDBOptions, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "duckdb")

	pragmas := []string{"PRAGMA enable_progress_bar=false"}
	if opts.MemoryLimit != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit))
	}
	if opts.Threads > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", opts.Threads))
	}

	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				logger.Warn("pragma failed", "pragma", pragma, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)

	store, err := newSQLStore(ctx, db, dialect{
		name:   "duckdb",
		schema: duckDBSchema,
		isDuplicate: func(err error) bool {
			msg := strings.ToLower(err.Error())
			return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "primary key")
		},
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("record store ready", "path", path)
	return store, nil
}
