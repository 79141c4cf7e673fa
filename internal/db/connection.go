// Package db opens the SQL databases backing the operation log.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // Needs to be imported for Postgres driver
	_ "modernc.org/sqlite"             // Needs to be imported for SQLite driver

	"github.com/tinyflake/git-server/internal/config"
)

// Driver names registered with database/sql
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultSSLMode         = "require"
	defaultConnectTimeout  = 10 * time.Second
	defaultPostgresPort    = 5432
	defaultMySQLPort       = 3306
)

// OpenSQLite opens (creating if needed) the SQLite database file at path
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqlDB, err := sql.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database at %q: %w", path, err)
	}
	// A single connection avoids "database is locked" errors
	sqlDB.SetMaxOpenConns(1)

	if err := ping(ctx, sqlDB); err != nil {
		return nil, err
	}

	slog.Info("Database connection established", "driver", DriverSQLite, "path", path)
	return sqlDB, nil
}

// OpenPostgres opens a PostgreSQL connection pool from cfg
func OpenPostgres(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	password, err := cfg.GetPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to get database password: %w", err)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	// password is not URL-escaped here because pgx parses the keyword/value form directly
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host,
		portOrDefault(cfg.Port, defaultPostgresPort),
		cfg.User,
		password,
		cfg.Database,
		sslMode,
		int(defaultConnectTimeout.Seconds()),
	)

	return open(ctx, DriverPostgres, connStr, cfg)
}

// OpenMySQL opens a MySQL connection pool from cfg
func OpenMySQL(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	password, err := cfg.GetPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to get database password: %w", err)
	}

	return open(ctx, DriverMySQL, MySQLDSN(cfg, password), cfg)
}

// MySQLDSN builds a go-sql-driver DSN for cfg
func MySQLDSN(cfg *config.DatabaseConfig, password string) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(portOrDefault(cfg.Port, defaultMySQLPort)))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Timeout = defaultConnectTimeout
	return mc.FormatDSN()
}

func open(ctx context.Context, driver, dsn string, cfg *config.DatabaseConfig) (*sql.DB, error) {
	maxOpenConns := cfg.MaxOpenConns
	if maxOpenConns == 0 {
		maxOpenConns = defaultMaxOpenConns
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = defaultMaxIdleConns
	}

	connMaxLifetime := defaultConnMaxLifetime
	if cfg.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid connection max lifetime: %w", err)
		}
		connMaxLifetime = duration
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := ping(ctx, sqlDB); err != nil {
		return nil, err
	}

	slog.Info("Database connection established",
		"driver", driver,
		"user", cfg.User,
		"host", cfg.Host,
		"database", cfg.Database)
	return sqlDB, nil
}

func ping(ctx context.Context, sqlDB *sql.DB) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			slog.Error("Failed to close database connection after ping failure", "error", closeErr)
		}
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func validate(cfg *config.DatabaseConfig) error {
	if cfg == nil {
		return fmt.Errorf("database configuration is required")
	}
	if cfg.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.User == "" {
		return fmt.Errorf("database user is required")
	}
	if cfg.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func portOrDefault(port, def int) int {
	if port == 0 {
		return def
	}
	return port
}
