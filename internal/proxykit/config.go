package proxykit

import (
	"strings"
	"time"
)

// ServerConfig carries the backend target and the app's OAuth client
// credentials.
type ServerConfig struct {
	BackendBaseURL   string
	ShopifyAPIKey    string
	ShopifyAPISecret string
	AdminAPIVersion  string
	OutboundTimeout  time.Duration
}

// DefaultAdminAPIVersion is the Admin GraphQL API version used when none is
// configured.
const DefaultAdminAPIVersion = "2025-10"

// DefaultOutboundTimeout bounds every outbound call; the upstream contract
// specifies no timeout so a conservative one is applied here.
const DefaultOutboundTimeout = 30 * time.Second

// NormalizeBaseURL ensures the backend base URL carries a scheme and no
// trailing slash.
func NormalizeBaseURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return "https://" + trimmed
	}
	return trimmed
}
