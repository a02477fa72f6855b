package proxypg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smartsell/shopbridge/internal/proxykit"
)

// PostgresSessionStore persists shop sessions in PostgreSQL.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore builds the pool, ensures the schema, and returns the store.
func NewSessionStore(ctx context.Context, databaseURL string) (*PostgresSessionStore, error) {
	pool, poolErr := BuildPool(ctx, databaseURL)
	if poolErr != nil {
		return nil, poolErr
	}
	if schemaErr := EnsureSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, schemaErr
	}
	return &PostgresSessionStore{pool: pool}, nil
}

// NewSessionStoreFromPool wraps an existing pool without touching the schema.
func NewSessionStoreFromPool(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// Close releases the underlying pool.
func (store *PostgresSessionStore) Close() {
	store.pool.Close()
}

// FindOfflineSession returns the canonical offline session for the shop.
func (store *PostgresSessionStore) FindOfflineSession(ctx context.Context, shop string) (proxykit.Session, error) {
	if shop == "" {
		return proxykit.Session{}, proxykit.ErrSessionEmptyShop
	}
	rows, queryErr := store.pool.Query(ctx, `
SELECT session_id, shop, access_token, is_online, expires_unix, scope
FROM shop_sessions
WHERE shop = $1
`, shop)
	if queryErr != nil {
		return proxykit.Session{}, queryErr
	}
	defer rows.Close()

	var candidates []proxykit.Session
	for rows.Next() {
		var candidate proxykit.Session
		var expiresUnix int64
		if scanErr := rows.Scan(&candidate.ID, &candidate.Shop, &candidate.AccessToken, &candidate.IsOnline, &expiresUnix, &candidate.Scope); scanErr != nil {
			return proxykit.Session{}, scanErr
		}
		if expiresUnix != 0 {
			candidate.Expires = time.Unix(expiresUnix, 0).UTC()
		}
		candidates = append(candidates, candidate)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return proxykit.Session{}, rowsErr
	}

	selected, found := proxykit.SelectOfflineSession(candidates, time.Now().UTC())
	if !found {
		return proxykit.Session{}, proxykit.ErrSessionNotFound
	}
	return selected, nil
}

// StoreSession upserts a session by its identifier.
func (store *PostgresSessionStore) StoreSession(ctx context.Context, session proxykit.Session) error {
	if session.ID == "" {
		return proxykit.ErrSessionEmptyID
	}
	if session.Shop == "" {
		return proxykit.ErrSessionEmptyShop
	}
	var expiresUnix int64
	if !session.Expires.IsZero() {
		expiresUnix = session.Expires.UTC().Unix()
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO shop_sessions (session_id, shop, access_token, is_online, expires_unix, scope)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO UPDATE SET
    shop = EXCLUDED.shop,
    access_token = EXCLUDED.access_token,
    is_online = EXCLUDED.is_online,
    expires_unix = EXCLUDED.expires_unix,
    scope = EXCLUDED.scope
`, session.ID, session.Shop, session.AccessToken, session.IsOnline, expiresUnix, session.Scope)
	return execErr
}

// DeleteSessions removes every session stored for the shop.
func (store *PostgresSessionStore) DeleteSessions(ctx context.Context, shop string) error {
	if shop == "" {
		return proxykit.ErrSessionEmptyShop
	}
	_, execErr := store.pool.Exec(ctx, `
DELETE FROM shop_sessions
WHERE shop = $1
`, shop)
	return execErr
}
