package postgres

import (
	"context"
	"database/sql"
)

// Schema is the single table backing the key-value store. Rows are
// partitioned by namespace so several agents can share one database.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_kv (
	namespace  VARCHAR(100) NOT NULL,
	key        VARCHAR(100) NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
);
`

// Migrate applies Schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}
