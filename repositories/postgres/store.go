package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/funding-control-plane/repositories"
	"go.uber.org/zap"
)

// Store implements repositories.Store over a single JSONB document table
type Store struct {
	db     *DB
	tm     *TransactionManager
	logger *zap.Logger
}

// NewStore creates a document store on db
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

// Get retrieves the document stored under collection/key
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	query := `SELECT value FROM documents WHERE collection = $1 AND key = $2`

	var value []byte
	err := GetExecutor(ctx, s.db).QueryRowContext(ctx, query, collection, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

// Put upserts a document
func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	query := `
		INSERT INTO documents (collection, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`

	if _, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, collection, key, string(value)); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", collection, key, err)
	}

	s.logger.Debug("document stored", zap.String("collection", collection), zap.String("key", key))
	return nil
}

// Delete removes a document
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	query := `DELETE FROM documents WHERE collection = $1 AND key = $2`

	if _, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, collection, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Scan reads every document of collection in key order. Rows are fully read
// before fn is called so fn may issue its own queries.
func (s *Store) Scan(ctx context.Context, collection string, fn func(key string, value []byte) error) error {
	query := `SELECT key, value FROM documents WHERE collection = $1 ORDER BY key`

	rows, err := GetExecutor(ctx, s.db).QueryContext(ctx, query, collection)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", collection, err)
	}

	type row struct {
		key   string
		value []byte
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("failed to read %s row: %w", collection, err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate %s: %w", collection, err)
	}
	rows.Close()

	for _, r := range batch {
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

// Batch runs fn in a single database transaction
func (s *Store) Batch(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tm.InTransaction(ctx, fn)
}

// HealthCheck implements repositories.HealthChecker
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}
