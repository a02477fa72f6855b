package proxykit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound indicates no stored session matched the shop.
	ErrSessionNotFound = errors.New("session_store.not_found")
	// ErrSessionEmptyShop indicates the caller supplied no shop domain.
	ErrSessionEmptyShop = errors.New("session_store.empty_shop")
	// ErrSessionEmptyID indicates a session without an identifier was stored.
	ErrSessionEmptyID = errors.New("session_store.empty_id")
)

// Session is one stored platform session for a shop. Offline sessions carry
// the durable app-to-shop access token used for storefront and extension
// calls.
type Session struct {
	ID          string
	Shop        string
	AccessToken string
	IsOnline    bool
	// Expires is the access-token expiry. The zero value means the token
	// does not expire.
	Expires time.Time
	Scope   string
}

// Expired reports whether the session's token has expired at the given time.
// Sessions without an expiry never expire.
func (session Session) Expired(at time.Time) bool {
	return !session.Expires.IsZero() && session.Expires.Before(at)
}

// SessionStore persists and retrieves platform sessions keyed by shop.
type SessionStore interface {
	// FindOfflineSession returns the canonical offline session for the shop:
	// the unexpired one with the latest expiry, falling back to the
	// most recently expiring session when all have lapsed.
	FindOfflineSession(ctx context.Context, shop string) (Session, error)
	// StoreSession upserts a session by its ID.
	StoreSession(ctx context.Context, session Session) error
	// DeleteSessions removes every session stored for the shop.
	DeleteSessions(ctx context.Context, shop string) error
}

// SelectOfflineSession applies the canonical-session preference to an
// unordered candidate list. It is shared by every store implementation so
// backends that cannot express the preference in a query stay consistent.
func SelectOfflineSession(candidates []Session, now time.Time) (Session, bool) {
	var best Session
	var bestFound bool
	var fallback Session
	var fallbackFound bool
	for _, candidate := range candidates {
		if candidate.IsOnline {
			continue
		}
		if !candidate.Expired(now) {
			if !bestFound || laterExpiry(candidate, best) {
				best = candidate
				bestFound = true
			}
			continue
		}
		if !fallbackFound || laterExpiry(candidate, fallback) {
			fallback = candidate
			fallbackFound = true
		}
	}
	if bestFound {
		return best, true
	}
	return fallback, fallbackFound
}

// laterExpiry ranks a zero expiry (never expires) above any finite one.
func laterExpiry(candidate, current Session) bool {
	if candidate.Expires.IsZero() {
		return !current.Expires.IsZero()
	}
	if current.Expires.IsZero() {
		return false
	}
	return candidate.Expires.After(current.Expires)
}
