package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"ArticleRelay/internal/config"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS ledger_records (
    source_id       TEXT    NOT NULL,
    item_id         TEXT    NOT NULL,
    state           TEXT    NOT NULL,
    failed_stage    TEXT    NOT NULL DEFAULT '',
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    last_error_kind TEXT    NOT NULL DEFAULT '',
    published_ref   TEXT    NOT NULL DEFAULT '',
    checkpoint      TEXT    NOT NULL DEFAULT '',
    first_seen_at   BIGINT  NOT NULL,
    last_updated_at BIGINT  NOT NULL,
    PRIMARY KEY (source_id, item_id)
)`

const stateIndexSQL = `CREATE INDEX IF NOT EXISTS ledger_records_state_updated
    ON ledger_records (state, last_updated_at)`

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = FULL",
	"PRAGMA busy_timeout = 5000",
}

// Open connects to the configured database, applies the schema and returns
// a ready ledger.
func Open(ctx context.Context, cfg config.LedgerConfig) (*SQLLedger, error) {
	var placeholder sq.PlaceholderFormat
	switch cfg.Driver {
	case DriverSQLite:
		placeholder = sq.Question
		if dir := filepath.Dir(cfg.DSN); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create ledger directory: %w", err)
			}
		}
	case DriverPostgres:
		placeholder = sq.Dollar
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s ledger: %w", cfg.Driver, err)
	}

	if err := migrate(ctx, db, cfg.Driver); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewSQLLedger(db, placeholder), nil
}

func migrate(ctx context.Context, db *sql.DB, driver string) error {
	if driver == DriverSQLite {
		for _, pragma := range sqlitePragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("execute %q: %w", pragma, err)
			}
		}
	}

	for _, stmt := range []string{schemaSQL, stateIndexSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply ledger schema: %w", err)
		}
	}
	return nil
}
