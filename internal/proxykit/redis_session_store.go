package proxykit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSessionKeyPrefix = "shopbridge:session:"

// RedisSessionStore persists platform sessions as JSON values in Redis,
// one key per session, scanned by shop prefix.
type RedisSessionStore struct {
	client *redis.Client
}

type redisSessionRecord struct {
	SessionID   string `json:"session_id"`
	Shop        string `json:"shop"`
	AccessToken string `json:"access_token"`
	IsOnline    bool   `json:"is_online"`
	ExpiresUnix int64  `json:"expires_unix"`
	Scope       string `json:"scope"`
}

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(ctx context.Context, redisURL string) (*RedisSessionStore, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("session_store.open.redis: %w", parseErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		return nil, fmt.Errorf("session_store.open.redis: %w", pingErr)
	}
	return &RedisSessionStore{client: client}, nil
}

// NewRedisSessionStoreFromClient wraps an existing client; used by tests.
func NewRedisSessionStoreFromClient(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Close releases the underlying client.
func (store *RedisSessionStore) Close() error {
	return store.client.Close()
}

func redisSessionKey(shop string, sessionID string) string {
	return redisSessionKeyPrefix + shop + ":" + sessionID
}

// FindOfflineSession returns the canonical offline session for the shop.
func (store *RedisSessionStore) FindOfflineSession(ctx context.Context, shop string) (Session, error) {
	if strings.TrimSpace(shop) == "" {
		return Session{}, fmt.Errorf("session_store.find.redis: %w", ErrSessionEmptyShop)
	}
	keys, scanErr := store.shopKeys(ctx, shop)
	if scanErr != nil {
		return Session{}, fmt.Errorf("session_store.find.redis: %w", scanErr)
	}
	var candidates []Session
	for _, key := range keys {
		raw, getErr := store.client.Get(ctx, key).Result()
		if getErr == redis.Nil {
			continue
		}
		if getErr != nil {
			return Session{}, fmt.Errorf("session_store.find.redis: %w", getErr)
		}
		var record redisSessionRecord
		if unmarshalErr := json.Unmarshal([]byte(raw), &record); unmarshalErr != nil {
			continue
		}
		candidates = append(candidates, record.toSession())
	}
	selected, found := SelectOfflineSession(candidates, activeClock().Now())
	if !found {
		return Session{}, fmt.Errorf("session_store.find.redis: %w", ErrSessionNotFound)
	}
	return selected, nil
}

// StoreSession upserts a session by its ID.
func (store *RedisSessionStore) StoreSession(ctx context.Context, session Session) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session_store.store.redis: %w", ErrSessionEmptyID)
	}
	if strings.TrimSpace(session.Shop) == "" {
		return fmt.Errorf("session_store.store.redis: %w", ErrSessionEmptyShop)
	}
	record := redisSessionRecord{
		SessionID:   session.ID,
		Shop:        session.Shop,
		AccessToken: session.AccessToken,
		IsOnline:    session.IsOnline,
		Scope:       session.Scope,
	}
	if !session.Expires.IsZero() {
		record.ExpiresUnix = session.Expires.Unix()
	}
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return fmt.Errorf("session_store.store.redis: %w", marshalErr)
	}
	setErr := store.client.Set(ctx, redisSessionKey(session.Shop, session.ID), payload, 0).Err()
	if setErr != nil {
		return fmt.Errorf("session_store.store.redis: %w", setErr)
	}
	return nil
}

// DeleteSessions removes every session stored for the shop.
func (store *RedisSessionStore) DeleteSessions(ctx context.Context, shop string) error {
	if strings.TrimSpace(shop) == "" {
		return fmt.Errorf("session_store.delete.redis: %w", ErrSessionEmptyShop)
	}
	keys, scanErr := store.shopKeys(ctx, shop)
	if scanErr != nil {
		return fmt.Errorf("session_store.delete.redis: %w", scanErr)
	}
	if len(keys) == 0 {
		return nil
	}
	if delErr := store.client.Del(ctx, keys...).Err(); delErr != nil {
		return fmt.Errorf("session_store.delete.redis: %w", delErr)
	}
	return nil
}

func (store *RedisSessionStore) shopKeys(ctx context.Context, shop string) ([]string, error) {
	var keys []string
	var cursor uint64
	pattern := redisSessionKey(shop, "*")
	for {
		batch, nextCursor, scanErr := store.client.Scan(ctx, cursor, pattern, 100).Result()
		if scanErr != nil {
			return nil, scanErr
		}
		keys = append(keys, batch...)
		cursor = nextCursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (record redisSessionRecord) toSession() Session {
	session := Session{
		ID:          record.SessionID,
		Shop:        record.Shop,
		AccessToken: record.AccessToken,
		IsOnline:    record.IsOnline,
		Scope:       record.Scope,
	}
	if record.ExpiresUnix != 0 {
		session.Expires = time.Unix(record.ExpiresUnix, 0).UTC()
	}
	return session
}
