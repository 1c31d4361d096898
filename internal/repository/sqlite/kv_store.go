// Package sqlite is the on-device KeyValueStore, backed by a pooled WAL-mode
// SQLite database.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"locsync/internal/domain"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// synchronous=FULL so a committed enqueue survives power loss, not just a crash.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

type KVStore struct {
	pool *sqlitex.Pool
	path string
}

// Open creates the parent directory if needed, opens a connection pool on
// path and applies the schema.
func Open(ctx context.Context, path string, poolSize int) (*KVStore, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}

	s := &KVStore{pool: pool, path: path}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("sqlite store opened", slog.String("path", path), slog.Int("pool_size", poolSize))
	return s, nil
}

func (s *KVStore) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storageErr("take connection", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return storageErr("apply schema", err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", storageErr("take connection", err)
	}
	defer s.pool.Put(conn)

	var (
		value string
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", storageErr("get "+key, err)
	}
	if !found {
		return "", domain.ErrKeyNotFound
	}
	return value, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string) error {
	return s.SetMulti(ctx, map[string]string{key: value})
}

// SetMulti upserts every pair inside one immediate transaction.
func (s *KVStore) SetMulti(ctx context.Context, values map[string]string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storageErr("take connection", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer endTransaction(&err)

	now := time.Now().UnixMilli()
	for k, v := range values {
		err = sqlitex.Execute(conn,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{k, v, now}})
		if err != nil {
			return storageErr("set "+k, err)
		}
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storageErr("take connection", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer endTransaction(&err)

	for _, k := range keys {
		if err = sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{Args: []any{k}}); err != nil {
			return storageErr("delete "+k, err)
		}
	}
	return nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return storageErr("take connection", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *KVStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return storageErr("close "+s.path, err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", domain.ErrStorage, op, err)
}
