package proxykit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fixedClock struct {
	instant time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.instant
}

var testInstant = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func provideFixedClock(t *testing.T) {
	t.Helper()
	ProvideClock(fixedClock{instant: testInstant})
	t.Cleanup(func() { ProvideClock(nil) })
}

func TestSelectOfflineSessionPrefersUnexpiredLatestExpiry(t *testing.T) {
	now := testInstant
	candidates := []Session{
		{ID: "soon", AccessToken: "soon-token", Expires: now.Add(time.Hour)},
		{ID: "later", AccessToken: "later-token", Expires: now.Add(48 * time.Hour)},
		{ID: "expired", AccessToken: "expired-token", Expires: now.Add(-time.Hour)},
	}
	selected, found := SelectOfflineSession(candidates, now)
	if !found {
		t.Fatal("expected a selection")
	}
	if selected.ID != "later" {
		t.Fatalf("expected the latest unexpired session, got %q", selected.ID)
	}
}

func TestSelectOfflineSessionRanksNoExpiryAboveFinite(t *testing.T) {
	now := testInstant
	candidates := []Session{
		{ID: "finite", Expires: now.Add(time.Hour)},
		{ID: "permanent"},
	}
	selected, _ := SelectOfflineSession(candidates, now)
	if selected.ID != "permanent" {
		t.Fatalf("expected the never-expiring session, got %q", selected.ID)
	}
}

func TestSelectOfflineSessionFallsBackToMostRecentlyExpired(t *testing.T) {
	now := testInstant
	candidates := []Session{
		{ID: "older", Expires: now.Add(-48 * time.Hour)},
		{ID: "newer", Expires: now.Add(-time.Hour)},
	}
	selected, found := SelectOfflineSession(candidates, now)
	if !found {
		t.Fatal("expected the expired fallback")
	}
	if selected.ID != "newer" {
		t.Fatalf("expected the most recently expired session, got %q", selected.ID)
	}
}

func TestSelectOfflineSessionIgnoresOnlineSessions(t *testing.T) {
	now := testInstant
	candidates := []Session{
		{ID: "online", IsOnline: true, Expires: now.Add(time.Hour)},
	}
	if _, found := SelectOfflineSession(candidates, now); found {
		t.Fatal("online sessions must never be selected")
	}
}

func TestMemorySessionStoreRoundTrip(t *testing.T) {
	provideFixedClock(t)
	store := NewMemorySessionStore()
	ctx := context.Background()

	if _, err := store.FindOfflineSession(ctx, "shop.myshopify.com"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

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

	if err := store.DeleteSessions(ctx, "shop.myshopify.com"); err != nil {
		t.Fatalf("DeleteSessions: %v", err)
	}
	if _, err := store.FindOfflineSession(ctx, "shop.myshopify.com"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMemorySessionStoreUpsertsByID(t *testing.T) {
	provideFixedClock(t)
	store := NewMemorySessionStore()
	ctx := context.Background()

	session := Session{ID: "offline_shop.myshopify.com", Shop: "shop.myshopify.com", AccessToken: "first"}
	if err := store.StoreSession(ctx, session); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
	session.AccessToken = "second"
	if err := store.StoreSession(ctx, session); err != nil {
		t.Fatalf("StoreSession upsert: %v", err)
	}

	found, findErr := store.FindOfflineSession(ctx, "shop.myshopify.com")
	if findErr != nil {
		t.Fatalf("FindOfflineSession: %v", findErr)
	}
	if found.AccessToken != "second" {
		t.Fatalf("upsert did not replace token: %q", found.AccessToken)
	}
}

func TestMemorySessionStoreValidatesInputs(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	if _, err := store.FindOfflineSession(ctx, ""); !errors.Is(err, ErrSessionEmptyShop) {
		t.Fatalf("expected empty shop error, got %v", err)
	}
	if err := store.StoreSession(ctx, Session{Shop: "shop.myshopify.com"}); !errors.Is(err, ErrSessionEmptyID) {
		t.Fatalf("expected empty id error, got %v", err)
	}
	if err := store.StoreSession(ctx, Session{ID: "some-id"}); !errors.Is(err, ErrSessionEmptyShop) {
		t.Fatalf("expected empty shop error, got %v", err)
	}
	if err := store.DeleteSessions(ctx, ""); !errors.Is(err, ErrSessionEmptyShop) {
		t.Fatalf("expected empty shop error, got %v", err)
	}
}

func TestMemorySessionStoreIsolatesShops(t *testing.T) {
	provideFixedClock(t)
	store := NewMemorySessionStore()
	ctx := context.Background()

	_ = store.StoreSession(ctx, Session{ID: "a", Shop: "alpha.myshopify.com", AccessToken: "alpha-token"})
	_ = store.StoreSession(ctx, Session{ID: "b", Shop: "beta.myshopify.com", AccessToken: "beta-token"})

	if err := store.DeleteSessions(ctx, "alpha.myshopify.com"); err != nil {
		t.Fatalf("DeleteSessions: %v", err)
	}
	if _, err := store.FindOfflineSession(ctx, "beta.myshopify.com"); err != nil {
		t.Fatalf("delete leaked across shops: %v", err)
	}
}
