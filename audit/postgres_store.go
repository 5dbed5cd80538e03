package audit

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const insertEntry = `
	INSERT INTO forward_audit (id, request_id, route, method, backend_path, status, outcome, duration_ms, created_at)
	VALUES (:id, :request_id, :route, :method, :backend_path, :status, :outcome, :duration_ms, :created_at)`

const selectRecent = `
	SELECT id, request_id, route, method, backend_path, status, outcome, duration_ms, created_at
	FROM forward_audit
	ORDER BY created_at DESC
	LIMIT $1`

// PostgresStore implements Store backed by the forward_audit table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) Record(ctx context.Context, e *Entry) error {
	prepare(e)

	if _, err := s.db.NamedExecContext(ctx, insertEntry, e); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	entries := []Entry{}
	if err := s.db.SelectContext(ctx, &entries, selectRecent, clampLimit(limit)); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// Close closes the underlying connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
