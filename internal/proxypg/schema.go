package proxypg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS shop_sessions (
    session_id TEXT PRIMARY KEY,
    shop TEXT NOT NULL,
    access_token TEXT NOT NULL,
    is_online BOOLEAN NOT NULL DEFAULT FALSE,
    expires_unix BIGINT NOT NULL DEFAULT 0,
    scope TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_shop_sessions_shop ON shop_sessions (shop);
`)
	return err
}
