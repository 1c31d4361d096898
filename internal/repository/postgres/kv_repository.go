package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"locsync/internal/domain"
)

const (
	getQuery = `
		SELECT value FROM agent_kv
		WHERE namespace = $1 AND key = $2
	`
	upsertQuery = `
		INSERT INTO agent_kv (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`
	deleteQuery = `
		DELETE FROM agent_kv
		WHERE namespace = $1 AND key = $2
	`
)

// KVRepository is a domain.KeyValueStore over one namespace of agent_kv.
type KVRepository struct {
	db         *sql.DB
	namespace  string
	tx         *TxManager
	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

// NewKVRepository creates a KVRepository with prepared statements.
// Returns an error if statement preparation fails.
func NewKVRepository(db *sql.DB, namespace string) (*KVRepository, error) {
	repo := &KVRepository{db: db, namespace: namespace, tx: NewTxManager(db)}

	var err error
	repo.getStmt, err = db.Prepare(getQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare get statement: %w", err)
	}

	repo.upsertStmt, err = db.Prepare(upsertQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	repo.deleteStmt, err = db.Prepare(deleteQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	return repo, nil
}

func (r *KVRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := retryOnConnectionLoss(ctx, func() error {
		return r.getStmt.QueryRowContext(ctx, r.namespace, key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrKeyNotFound
	}
	if err != nil {
		return "", storageErr("get "+key, err)
	}
	return value, nil
}

func (r *KVRepository) Set(ctx context.Context, key, value string) error {
	err := retryOnConnectionLoss(ctx, func() error {
		_, err := r.upsertStmt.ExecContext(ctx, r.namespace, key, value)
		return err
	})
	if err != nil {
		return storageErr("set "+key, err)
	}
	return nil
}

func (r *KVRepository) SetMulti(ctx context.Context, values map[string]string) error {
	err := retryOnConnectionLoss(ctx, func() error {
		return r.tx.WithTx(ctx, func(tx *sql.Tx) error {
			for k, v := range values {
				if _, err := tx.ExecContext(ctx, upsertQuery, r.namespace, k, v); err != nil {
					return fmt.Errorf("set %s: %w", k, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return storageErr("set multi", err)
	}
	return nil
}

func (r *KVRepository) Delete(ctx context.Context, keys ...string) error {
	switch len(keys) {
	case 0:
		return nil
	case 1:
		err := retryOnConnectionLoss(ctx, func() error {
			_, err := r.deleteStmt.ExecContext(ctx, r.namespace, keys[0])
			return err
		})
		if err != nil {
			return storageErr("delete "+keys[0], err)
		}
		return nil
	}
	err := retryOnConnectionLoss(ctx, func() error {
		return r.tx.WithTx(ctx, func(tx *sql.Tx) error {
			for _, k := range keys {
				if _, err := tx.ExecContext(ctx, deleteQuery, r.namespace, k); err != nil {
					return fmt.Errorf("delete %s: %w", k, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return storageErr("delete", err)
	}
	return nil
}

func (r *KVRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close releases the prepared statements and the database handle.
func (r *KVRepository) Close() error {
	return errors.Join(
		r.getStmt.Close(),
		r.upsertStmt.Close(),
		r.deleteStmt.Close(),
		r.db.Close(),
	)
}
