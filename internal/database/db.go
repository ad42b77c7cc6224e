package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/johnrirwin/keygate/internal/logging"
)

// Dialect names the SQL flavour behind a DB.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite3"
)

// ParseDialect maps a DATABASE_DRIVER value to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Config holds connection settings.
type Config struct {
	Driver       string
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// DB wraps *sql.DB. Queries are written with ? placeholders and rebound for
// the dialect in QueryContext, QueryRowContext and ExecContext.
type DB struct {
	*sql.DB
	dialect Dialect
	logger  *logging.Logger
}

// Open connects and pings the database. SQLite runs on a single connection.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*DB, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	dsn := cfg.URL
	if dialect == DialectMySQL {
		dsn, err = mysqlDSN(dsn)
		if err != nil {
			return nil, err
		}
	}

	sqlDB, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == DialectSQLite {
		if _, err := sqlDB.ExecContext(pingCtx, "PRAGMA busy_timeout=10000"); err != nil {
			logger.Warn("Failed to set sqlite busy timeout", logging.WithError(err))
		}
	}

	logger.Info("Database connected", logging.WithField("driver", string(dialect)))
	return &DB{DB: sqlDB, dialect: dialect, logger: logger}, nil
}

// mysqlDSN makes sure DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) (string, error) {
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	mcfg.ParseTime = true
	// SetActive relies on RowsAffected counting matched rows, not changed ones.
	mcfg.ClientFoundRows = true
	mcfg.Loc = time.UTC
	return mcfg.FormatDSN(), nil
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Rebind rewrites ? placeholders to $1..$n for postgres.
func (db *DB) Rebind(query string) string {
	return Rebind(db.dialect, query)
}

func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.Rebind(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Rebind(query), args...)
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.Rebind(query), args...)
}

// Migrate creates the api_keys and usage_logs tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema(db.dialect) {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	db.logger.Info("Database schema up to date", logging.WithField("driver", string(db.dialect)))
	return nil
}

func schema(dialect Dialect) []string {
	switch dialect {
	case DialectPostgres:
		return []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id VARCHAR(36) PRIMARY KEY,
				principal_id VARCHAR(128) NOT NULL,
				name VARCHAR(64) NOT NULL DEFAULT '',
				key_hash CHAR(64) NOT NULL UNIQUE,
				permissions TEXT NOT NULL DEFAULT '',
				quota_per_window BIGINT NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL,
				last_used_at TIMESTAMPTZ NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_principal ON api_keys (principal_id)`,
			`CREATE TABLE IF NOT EXISTS usage_logs (
				id BIGSERIAL PRIMARY KEY,
				principal_id VARCHAR(128) NOT NULL,
				key_id VARCHAR(36) NOT NULL DEFAULT '',
				method VARCHAR(16) NOT NULL,
				path VARCHAR(255) NOT NULL,
				status_code INTEGER NOT NULL,
				latency_ms BIGINT NOT NULL DEFAULT 0,
				usage_date VARCHAR(10) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_logs_principal_date ON usage_logs (principal_id, usage_date)`,
		}
	case DialectMySQL:
		return []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id VARCHAR(36) PRIMARY KEY,
				principal_id VARCHAR(128) NOT NULL,
				name VARCHAR(64) NOT NULL DEFAULT '',
				key_hash CHAR(64) NOT NULL UNIQUE,
				permissions TEXT NOT NULL,
				quota_per_window BIGINT NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at DATETIME(6) NOT NULL,
				last_used_at DATETIME(6) NULL,
				INDEX idx_api_keys_principal (principal_id)
			)`,
			`CREATE TABLE IF NOT EXISTS usage_logs (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				principal_id VARCHAR(128) NOT NULL,
				key_id VARCHAR(36) NOT NULL DEFAULT '',
				method VARCHAR(16) NOT NULL,
				path VARCHAR(255) NOT NULL,
				status_code INT NOT NULL,
				latency_ms BIGINT NOT NULL DEFAULT 0,
				usage_date VARCHAR(10) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				INDEX idx_usage_logs_principal_date (principal_id, usage_date)
			)`,
		}
	default:
		return []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				id TEXT PRIMARY KEY,
				principal_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				key_hash TEXT NOT NULL UNIQUE,
				permissions TEXT NOT NULL DEFAULT '',
				quota_per_window INTEGER NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT 1,
				created_at TIMESTAMP NOT NULL,
				last_used_at TIMESTAMP NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_principal ON api_keys (principal_id)`,
			`CREATE TABLE IF NOT EXISTS usage_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				principal_id TEXT NOT NULL,
				key_id TEXT NOT NULL DEFAULT '',
				method TEXT NOT NULL,
				path TEXT NOT NULL,
				status_code INTEGER NOT NULL,
				latency_ms INTEGER NOT NULL DEFAULT 0,
				usage_date TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_logs_principal_date ON usage_logs (principal_id, usage_date)`,
		}
	}
}

// isUniqueViolation recognises duplicate-key errors from all three drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
