package proxykit

import (
	"sync"
	"time"
)

// DefaultInstallationLogCapacity bounds the per-shop installation log ring.
const DefaultInstallationLogCapacity = 10

// Installation outcome statuses.
const (
	InstallationStatusSuccess = "success"
	InstallationStatusError   = "error"
)

// InstallationLog records one backend install notification attempt.
type InstallationLog struct {
	Shop            string    `json:"shop"`
	AuthURL         string    `json:"authUrl"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
	Message         string    `json:"message"`
	BackendResponse string    `json:"backendResponse,omitempty"`
}

// InstallationLogStore is a bounded per-shop ring buffer of installation
// logs. It is in-process, diagnostic-only, and lossy by design: once a
// shop's ring is full the oldest entry is dropped. Created at process start
// and never persisted.
type InstallationLogStore struct {
	mutex      sync.Mutex
	capacity   int
	logsByShop map[string][]InstallationLog
}

// NewInstallationLogStore constructs a log store. Capacities below one fall
// back to the default.
func NewInstallationLogStore(capacity int) *InstallationLogStore {
	if capacity < 1 {
		capacity = DefaultInstallationLogCapacity
	}
	return &InstallationLogStore{
		capacity:   capacity,
		logsByShop: make(map[string][]InstallationLog),
	}
}

// Append records a log entry for the shop, evicting the oldest entry when
// the ring is full. The timestamp is stamped here.
func (store *InstallationLogStore) Append(shop string, entry InstallationLog) {
	entry.Shop = shop
	entry.Timestamp = activeClock().Now()

	store.mutex.Lock()
	defer store.mutex.Unlock()
	entries := append(store.logsByShop[shop], entry)
	if len(entries) > store.capacity {
		entries = entries[len(entries)-store.capacity:]
	}
	store.logsByShop[shop] = entries
}

// Logs returns a copy of the shop's entries, oldest first.
func (store *InstallationLogStore) Logs(shop string) []InstallationLog {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entries := store.logsByShop[shop]
	clone := make([]InstallationLog, len(entries))
	copy(clone, entries)
	return clone
}

// Clear drops every entry recorded for the shop.
func (store *InstallationLogStore) Clear(shop string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.logsByShop, shop)
}
