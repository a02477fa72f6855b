package proxykit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMissingBackendURL indicates the forwarder was built without a target.
	ErrMissingBackendURL = errors.New("forwarder.missing_backend_url")
)

// ForwardOptions overrides parts of the outbound request. A nil Body means
// "use the buffered inbound body when the method permits one".
type ForwardOptions struct {
	Method string
	Body   []byte
	// ShopAccessToken is used as the outbound bearer token only when the
	// inbound request carries no authorization header of its own.
	ShopAccessToken string
}

// ForwardResult is the relayed upstream response, buffered so callers can
// replay it without stream-consumption hazards.
type ForwardResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the upstream content type, defaulting to JSON.
func (result *ForwardResult) ContentType() string {
	if result == nil {
		return "application/json"
	}
	if contentType := result.Header.Get("Content-Type"); contentType != "" {
		return contentType
	}
	return "application/json"
}

// OK reports whether the upstream answered with a 2xx status.
func (result *ForwardResult) OK() bool {
	return result != nil && result.StatusCode >= 200 && result.StatusCode < 300
}

// BackendForwarder relays inbound requests to the configured backend,
// substituting authentication and preserving method, path, query, and body.
type BackendForwarder struct {
	backendBaseURL string
	httpClient     *http.Client
}

// NewBackendForwarder constructs a forwarder with a bounded outbound timeout.
func NewBackendForwarder(backendBaseURL string, timeout time.Duration) (*BackendForwarder, error) {
	normalized := NormalizeBaseURL(backendBaseURL)
	if normalized == "" {
		return nil, fmt.Errorf("forwarder.new: %w", ErrMissingBackendURL)
	}
	if timeout <= 0 {
		timeout = DefaultOutboundTimeout
	}
	return &BackendForwarder{
		backendBaseURL: normalized,
		httpClient:     &http.Client{Timeout: timeout},
	}, nil
}

// Forward issues one outbound call to backendBaseURL+targetPath. The inbound
// request is never mutated and its body is never read here; callers buffer
// the body once at the route boundary and pass it through options. There are
// no retries; transport failures propagate to the caller.
func (forwarder *BackendForwarder) Forward(ctx context.Context, inbound *http.Request, targetPath string, options ForwardOptions) (*ForwardResult, error) {
	outboundURL := forwarder.backendBaseURL + targetPath

	method := options.Method
	if method == "" {
		method = inbound.Method
	}

	body := resolveOutboundBody(inbound, method, options)

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	outbound, buildErr := http.NewRequestWithContext(ctx, method, outboundURL, bodyReader)
	if buildErr != nil {
		return nil, fmt.Errorf("forwarder.build_request: %w", buildErr)
	}

	applyOutboundHeaders(outbound, inbound, options, body)

	logger := activeLogger()
	logger.Debug("forwarding to backend",
		zap.String("url", outboundURL),
		zap.String("method", method),
	)

	response, fetchErr := forwarder.httpClient.Do(outbound)
	if fetchErr != nil {
		activeMetrics().Increment(MetricForwardFailure)
		return nil, fmt.Errorf("forwarder.fetch: %w", fetchErr)
	}
	defer func() { _ = response.Body.Close() }()

	responseBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		activeMetrics().Increment(MetricForwardFailure)
		return nil, fmt.Errorf("forwarder.read_response: %w", readErr)
	}

	activeMetrics().Increment(MetricForwardSuccess)
	if response.StatusCode >= 400 {
		logger.Warn("backend returned error status",
			zap.String("url", outboundURL),
			zap.Int("status", response.StatusCode),
			zap.String("body", Truncate(string(responseBody), 500)),
		)
	}

	return &ForwardResult{
		StatusCode: response.StatusCode,
		Header:     response.Header.Clone(),
		Body:       responseBody,
	}, nil
}

// resolveOutboundBody applies the body rules: explicit override wins, GET and
// HEAD never carry a body regardless of what the client sent.
func resolveOutboundBody(inbound *http.Request, resolvedMethod string, options ForwardOptions) []byte {
	if methodForbidsBody(resolvedMethod) || methodForbidsBody(inbound.Method) {
		return nil
	}
	if options.Body != nil {
		return options.Body
	}
	return nil
}

func methodForbidsBody(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func applyOutboundHeaders(outbound *http.Request, inbound *http.Request, options ForwardOptions, body []byte) {
	if bearer := BearerTokenFromRequest(inbound); bearer != "" {
		outbound.Header.Set("Authorization", "Bearer "+bearer)
	} else if options.ShopAccessToken != "" {
		outbound.Header.Set("Authorization", "Bearer "+options.ShopAccessToken)
	}

	if shop := inbound.Header.Get("X-Shopify-Shop-Domain"); shop != "" {
		outbound.Header.Set("X-Shopify-Shop-Domain", shop)
	}
	if hmac := inbound.Header.Get("X-Shopify-Hmac-Sha256"); hmac != "" {
		outbound.Header.Set("X-Shopify-Hmac-Sha256", hmac)
	}

	if body != nil && outbound.Header.Get("Content-Type") == "" {
		outbound.Header.Set("Content-Type", "application/json")
	}
}

// BearerTokenFromRequest extracts the bearer session token from the inbound
// authorization header. Returns the empty string when absent; never fails.
func BearerTokenFromRequest(request *http.Request) string {
	if request == nil {
		return ""
	}
	headerValue := strings.TrimSpace(request.Header.Get("Authorization"))
	if headerValue == "" {
		return ""
	}
	const prefix = "bearer "
	if len(headerValue) <= len(prefix) || !strings.EqualFold(headerValue[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(headerValue[len(prefix):])
}

// IsTimeout reports whether the forwarding error was caused by the outbound
// timeout or a cancelled deadline, so routes can answer 504 instead of 500.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Timeout()
	}
	return false
}

// Truncate caps a diagnostic string at limit runes.
func Truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	return value[:limit]
}
