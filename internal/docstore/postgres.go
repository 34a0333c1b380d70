package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// maxTxRetries is the retry budget for serialization failures before the
// transaction surfaces ErrTransactionConflict.
const maxTxRetries = 3

// PostgresStore implements Store over a single documents table
// (collection, key, data jsonb, expires_at, updated_at).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a Store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get reads a live document outside any transaction.
func (s *PostgresStore) Get(ctx context.Context, collection, key string, out any) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents
		 WHERE collection = $1 AND key = $2
		   AND (expires_at IS NULL OR expires_at > now())`,
		collection, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Query streams live documents of a collection in key order.
func (s *PostgresStore) Query(ctx context.Context, collection string, limit int, fn func(key string, raw []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, data FROM documents
		 WHERE collection = $1
		   AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY key LIMIT $2`,
		collection, limit,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RunTransaction executes fn in a serializable transaction, retrying
// serialization failures and deadlocks up to the retry budget.
func (s *PostgresStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxTxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return errors.Join(ErrTransactionConflict, lastErr)
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	t := &pgTx{ctx: ctx, tx: sqlTx}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// TTLSweep deletes up to batch expired documents and returns the count.
func (s *PostgresStore) TTLSweep(ctx context.Context, collection string, cutoff time.Time, batch int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents
		 WHERE ctid IN (
		   SELECT ctid FROM documents
		   WHERE collection = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		   LIMIT $3
		 )`,
		collection, cutoff, batch,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// pgTx implements Tx over a sql.Tx. Reads lock the row (FOR UPDATE) so
// concurrent transactions on the same document serialize.
type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) Get(collection, key string, out any) (bool, error) {
	var raw []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT data FROM documents
		 WHERE collection = $1 AND key = $2
		   AND (expires_at IS NULL OR expires_at > now())
		 FOR UPDATE`,
		collection, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (t *pgTx) Set(collection, key string, doc any, expiresAt *time.Time) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var exp sql.NullTime
	if expiresAt != nil {
		exp = sql.NullTime{Time: *expiresAt, Valid: true}
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO documents (collection, key, data, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (collection, key)
		 DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		collection, key, raw, exp,
	)
	return err
}

func (t *pgTx) Delete(collection, key string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	)
	return err
}

// isRetryable reports whether err is a serialization failure (40001) or
// deadlock (40P01) worth retrying.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
