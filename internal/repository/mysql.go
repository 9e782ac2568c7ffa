package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS files (
	id           VARCHAR(64) NOT NULL PRIMARY KEY,
	display_name VARCHAR(1024) NOT NULL,
	status       VARCHAR(16) NOT NULL CHECK (status IN ('uploading', 'processing', 'ready', 'failed')),
	created_at   DATETIME(3) NOT NULL,
	row_count    INT NOT NULL DEFAULT 0,
	parsed_rows  LONGBLOB
)`

const mysqlDuplicateEntry = 1062

// NewMySQLStore connects to MySQL using dsn. parseTime and UTC location are
// forced so created_at round-trips as time.Time.
func NewMySQLStore(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	store, err := newSQLStore(ctx, db, dialect{
		name:   "mysql",
		schema: mysqlSchema,
		isDuplicate: func(err error) bool {
			var myErr *mysql.MySQLError
			return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
		},
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("record store ready", "component", "mysql", "addr", cfg.Addr, "database", cfg.DBName)
	return store, nil
}
