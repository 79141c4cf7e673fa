package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Backend identifies the SQL dialect of a SQLStore
type Backend string

// Supported SQL backends
const (
	BackendSQLite     Backend = "sqlite"
	BackendMySQL      Backend = "mysql"
	BackendPostgreSQL Backend = "postgresql"
)

const operationsTable = "git_operations"

// SQLStore persists records in a SQL database. Unlike FileStore it keeps every record.
type SQLStore struct {
	db      *sql.DB
	backend Backend
	closed  atomic.Bool
}

// NewSQLStore creates the operations table if needed and returns a store using db.
// The store takes ownership of db and closes it on Close.
func NewSQLStore(ctx context.Context, db *sql.DB, backend Backend) (*SQLStore, error) {
	switch backend {
	case BackendSQLite, BackendMySQL, BackendPostgreSQL:
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}

	if _, err := db.ExecContext(ctx, createTableQuery(backend)); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", operationsTable, err)
	}
	for _, q := range createIndexQueries(backend) {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("failed to create index on %s: %w", operationsTable, err)
		}
	}

	return &SQLStore{db: db, backend: backend}, nil
}

func createTableQuery(backend Backend) string {
	switch backend {
	case BackendMySQL:
		return `CREATE TABLE IF NOT EXISTS git_operations (
			id VARCHAR(36) PRIMARY KEY,
			created_at_ns BIGINT NOT NULL,
			operation VARCHAR(16) NOT NULL,
			repository VARCHAR(255) NOT NULL,
			username VARCHAR(255) NOT NULL,
			user_agent TEXT NOT NULL,
			client_ip VARCHAR(64) NOT NULL,
			success BOOLEAN NOT NULL,
			error_text TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			bytes_in BIGINT NOT NULL,
			bytes_out BIGINT NOT NULL,
			details TEXT NOT NULL
		)`
	case BackendPostgreSQL:
		return `CREATE TABLE IF NOT EXISTS git_operations (
			id TEXT PRIMARY KEY,
			created_at_ns BIGINT NOT NULL,
			operation TEXT NOT NULL,
			repository TEXT NOT NULL,
			username TEXT NOT NULL,
			user_agent TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			error_text TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			bytes_in BIGINT NOT NULL,
			bytes_out BIGINT NOT NULL,
			details TEXT NOT NULL
		)`
	default: // SQLite
		return `CREATE TABLE IF NOT EXISTS git_operations (
			id TEXT PRIMARY KEY,
			created_at_ns INTEGER NOT NULL,
			operation TEXT NOT NULL,
			repository TEXT NOT NULL,
			username TEXT NOT NULL,
			user_agent TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			success INTEGER NOT NULL,
			error_text TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			bytes_in INTEGER NOT NULL,
			bytes_out INTEGER NOT NULL,
			details TEXT NOT NULL
		)`
	}
}

func createIndexQueries(backend Backend) []string {
	// MySQL has no CREATE INDEX IF NOT EXISTS
	if backend == BackendMySQL {
		return nil
	}
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_git_operations_created ON git_operations (created_at_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_git_operations_repository ON git_operations (repository)`,
	}
}

// placeholder returns the bind parameter for position n (1-based)
func (s *SQLStore) placeholder(n int) string {
	if s.backend == BackendPostgreSQL {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Append implements Store
func (s *SQLStore) Append(ctx context.Context, records ...Record) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if len(records) == 0 {
		return nil
	}

	placeholders := make([]string, 13)
	for i := range placeholders {
		placeholders[i] = s.placeholder(i + 1)
	}
	query := fmt.Sprintf(`INSERT INTO git_operations (
		id, created_at_ns, operation, repository, username, user_agent, client_ip,
		success, error_text, duration_ms, bytes_in, bytes_out, details
	) VALUES (%s)`, strings.Join(placeholders, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		rec = rec.withDefaults()

		details := "{}"
		if len(rec.Details) > 0 {
			data, err := json.Marshal(rec.Details)
			if err != nil {
				return fmt.Errorf("failed to marshal record details: %w", err)
			}
			details = string(data)
		}

		if _, err := stmt.ExecContext(ctx,
			rec.ID,
			rec.Timestamp.UnixNano(),
			string(rec.Operation),
			rec.Repository,
			rec.User,
			rec.UserAgent,
			rec.ClientIP,
			rec.Success,
			rec.Error,
			rec.DurationMS,
			rec.BytesIn,
			rec.BytesOut,
			details,
		); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}

// List implements Store
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, s.placeholder(len(args))))
	}

	if filter.Repository != "" {
		add("repository = %s", filter.Repository)
	}
	if filter.User != "" {
		add("username = %s", filter.User)
	}
	if filter.Operation != "" {
		add("operation = %s", string(filter.Operation))
	}
	if !filter.Since.IsZero() {
		add("created_at_ns >= %s", filter.Since.UnixNano())
	}

	query := `SELECT id, created_at_ns, operation, repository, username, user_agent, client_ip,
		success, error_text, duration_ms, bytes_in, bytes_out, details FROM git_operations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ns DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			createdNS int64
			operation string
			details   string
		)
		if err := rows.Scan(
			&rec.ID,
			&createdNS,
			&operation,
			&rec.Repository,
			&rec.User,
			&rec.UserAgent,
			&rec.ClientIP,
			&rec.Success,
			&rec.Error,
			&rec.DurationMS,
			&rec.BytesIn,
			&rec.BytesOut,
			&details,
		); err != nil {
			return nil, fmt.Errorf("failed to scan operation record: %w", err)
		}

		rec.Timestamp = time.Unix(0, createdNS).UTC()
		rec.Operation = Operation(operation)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details of record %s: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operation log: %w", err)
	}
	return records, nil
}

// Close implements Store
func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
