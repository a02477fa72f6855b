package proxykit

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemorySessionStore is an in-memory store intended for tests and dev.
type MemorySessionStore struct {
	mutex sync.Mutex
	byID  map[string]Session
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{byID: make(map[string]Session)}
}

// FindOfflineSession returns the canonical offline session for the shop.
func (store *MemorySessionStore) FindOfflineSession(ctx context.Context, shop string) (Session, error) {
	if strings.TrimSpace(shop) == "" {
		return Session{}, fmt.Errorf("session_store.find.memory: %w", ErrSessionEmptyShop)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var candidates []Session
	for _, session := range store.byID {
		if session.Shop == shop {
			candidates = append(candidates, session)
		}
	}
	selected, found := SelectOfflineSession(candidates, activeClock().Now())
	if !found {
		return Session{}, fmt.Errorf("session_store.find.memory: %w", ErrSessionNotFound)
	}
	return selected, nil
}

// StoreSession upserts a session by its ID.
func (store *MemorySessionStore) StoreSession(ctx context.Context, session Session) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session_store.store.memory: %w", ErrSessionEmptyID)
	}
	if strings.TrimSpace(session.Shop) == "" {
		return fmt.Errorf("session_store.store.memory: %w", ErrSessionEmptyShop)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byID[session.ID] = session
	return nil
}

// DeleteSessions removes every session stored for the shop.
func (store *MemorySessionStore) DeleteSessions(ctx context.Context, shop string) error {
	if strings.TrimSpace(shop) == "" {
		return fmt.Errorf("session_store.delete.memory: %w", ErrSessionEmptyShop)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for id, session := range store.byID {
		if session.Shop == shop {
			delete(store.byID, id)
		}
	}
	return nil
}
