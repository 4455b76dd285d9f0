// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// poolIface is the subset of pgxpool.Pool used by PostgresBackend.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	selectDocumentSQL = `SELECT document FROM plugin_runtime_state WHERE id = 1`
	upsertDocumentSQL = `INSERT INTO plugin_runtime_state (id, document, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`
)

// PostgresBackend stores the document in a single-row table.
type PostgresBackend struct {
	pool poolIface
}

// NewPostgresBackend wraps an existing pool. The schema must already be
// migrated.
func NewPostgresBackend(pool poolIface) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// OpenPostgres connects to databaseURL, applies pending migrations and
// returns the backend.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	migrator, err := NewMigrator(databaseURL)
	if err != nil {
		return nil, err
	}
	upErr := migrator.Up()
	closeErr := migrator.Close()
	if upErr != nil {
		return nil, upErr
	}
	if closeErr != nil {
		return nil, closeErr
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, oops.In("persistence").Code("DB_CONNECT_FAILED").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.In("persistence").Code("DB_CONNECT_FAILED").Hint("ping database").Wrap(err)
	}
	return &PostgresBackend{pool: pool}, nil
}

// Close releases the pool.
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

// Load implements Backend.
func (b *PostgresBackend) Load(ctx context.Context) (*Document, error) {
	var raw []byte
	err := b.pool.QueryRow(ctx, selectDocumentSQL).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("persistence").With("operation", "load document").Wrap(err)
	}
	return decodeDocument(raw)
}

// Save implements Backend. Connection failures and serialization
// conflicts are retryable.
func (b *PostgresBackend) Save(ctx context.Context, doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return oops.In("persistence").Wrap(err)
	}
	if _, err := b.pool.Exec(ctx, upsertDocumentSQL, raw, doc.LastUpdated); err != nil {
		wrapped := oops.In("persistence").With("operation", "save document").Wrap(err)
		if retryable(err) {
			return retry.RetryableError(wrapped)
		}
		return wrapped
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) || pgerrcode.IsTransactionRollback(pgErr.Code)
	}
	return pgconn.SafeToRetry(err)
}
