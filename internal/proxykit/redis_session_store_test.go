package proxykit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func openMiniredisStore(t *testing.T) *RedisSessionStore {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store := NewRedisSessionStoreFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	provideFixedClock(t)
	store := openMiniredisStore(t)
	ctx := context.Background()

	stored := Session{
		ID:          "offline_shop.myshopify.com",
		Shop:        "shop.myshopify.com",
		AccessToken: "token-value",
		Expires:     testInstant.Add(24 * time.Hour),
		Scope:       "read_products",
	}
	if err := store.StoreSession(ctx, stored); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}

	found, findErr := store.FindOfflineSession(ctx, "shop.myshopify.com")
	if findErr != nil {
		t.Fatalf("FindOfflineSession: %v", findErr)
	}
	if found.AccessToken != "token-value" {
		t.Fatalf("unexpected token: %q", found.AccessToken)
	}
	if !found.Expires.Equal(stored.Expires) {
		t.Fatalf("expiry not preserved: %v", found.Expires)
	}

	if err := store.DeleteSessions(ctx, "shop.myshopify.com"); err != nil {
		t.Fatalf("DeleteSessions: %v", err)
	}
	if _, err := store.FindOfflineSession(ctx, "shop.myshopify.com"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestRedisSessionStorePrefersLatestUnexpired(t *testing.T) {
	provideFixedClock(t)
	store := openMiniredisStore(t)
	ctx := context.Background()

	sessions := []Session{
		{ID: "expired", Shop: "shop.myshopify.com", AccessToken: "expired-token", Expires: testInstant.Add(-time.Hour)},
		{ID: "latest", Shop: "shop.myshopify.com", AccessToken: "latest-token", Expires: testInstant.Add(48 * time.Hour)},
		{ID: "soon", Shop: "shop.myshopify.com", AccessToken: "soon-token", Expires: testInstant.Add(time.Hour)},
	}
	for _, session := range sessions {
		if err := store.StoreSession(ctx, session); err != nil {
			t.Fatalf("StoreSession %s: %v", session.ID, err)
		}
	}

	found, findErr := store.FindOfflineSession(ctx, "shop.myshopify.com")
	if findErr != nil {
		t.Fatalf("FindOfflineSession: %v", findErr)
	}
	if found.ID != "latest" {
		t.Fatalf("expected latest unexpired session, got %q", found.ID)
	}
}

func TestRedisSessionStoreScansOnlyTheRequestedShop(t *testing.T) {
	provideFixedClock(t)
	store := openMiniredisStore(t)
	ctx := context.Background()

	_ = store.StoreSession(ctx, Session{ID: "a", Shop: "alpha.myshopify.com", AccessToken: "alpha-token"})
	_ = store.StoreSession(ctx, Session{ID: "b", Shop: "beta.myshopify.com", AccessToken: "beta-token"})

	found, findErr := store.FindOfflineSession(ctx, "alpha.myshopify.com")
	if findErr != nil {
		t.Fatalf("FindOfflineSession: %v", findErr)
	}
	if found.AccessToken != "alpha-token" {
		t.Fatalf("crossed shop boundary: %q", found.AccessToken)
	}

	if err := store.DeleteSessions(ctx, "alpha.myshopify.com"); err != nil {
		t.Fatalf("DeleteSessions: %v", err)
	}
	if _, err := store.FindOfflineSession(ctx, "beta.myshopify.com"); err != nil {
		t.Fatalf("delete leaked across shops: %v", err)
	}
}

func TestRedisSessionStoreValidatesInputs(t *testing.T) {
	store := openMiniredisStore(t)
	ctx := context.Background()

	if _, err := store.FindOfflineSession(ctx, ""); !errors.Is(err, ErrSessionEmptyShop) {
		t.Fatalf("expected empty shop error, got %v", err)
	}
	if err := store.StoreSession(ctx, Session{Shop: "shop.myshopify.com"}); !errors.Is(err, ErrSessionEmptyID) {
		t.Fatalf("expected empty id error, got %v", err)
	}
}
