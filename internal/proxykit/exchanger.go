package proxykit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrExchangeMissingSessionToken indicates an empty subject token.
	ErrExchangeMissingSessionToken = errors.New("exchange.missing_session_token")
	// ErrExchangeMissingShop indicates an empty shop domain.
	ErrExchangeMissingShop = errors.New("exchange.missing_shop")
)

// Token-exchange grant parameters, per the platform's OAuth contract.
const (
	grantTypeTokenExchange    = "urn:ietf:params:oauth:grant-type:token-exchange"
	subjectTokenTypeIDToken   = "urn:ietf:params:oauth:token-type:id_token"
	requestedTokenTypeOffline = "urn:shopify:params:oauth:token-type:offline-access-token"
)

// TokenExchangeResult is the parsed token-exchange response, returned
// verbatim and never persisted by the exchanger itself.
type TokenExchangeResult struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token,omitempty"`
	ExpiresIn             int64  `json:"expires_in,omitempty"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in,omitempty"`
	Scope                 string `json:"scope,omitempty"`
}

// TokenExchangeError carries the OAuth endpoint's rejection for diagnostics.
type TokenExchangeError struct {
	StatusCode int
	Body       string
}

func (exchangeErr *TokenExchangeError) Error() string {
	return fmt.Sprintf("exchange.http_status: token exchange failed with status %d: %s", exchangeErr.StatusCode, exchangeErr.Body)
}

// TokenExchanger trades a short-lived session token for an expiring offline
// access token via the shop's OAuth token endpoint.
type TokenExchanger struct {
	apiKey      string
	apiSecret   string
	httpClient  *http.Client
	endpointFor func(shop string) string
}

// NewTokenExchanger constructs an exchanger with the app's client credentials.
func NewTokenExchanger(apiKey string, apiSecret string, timeout time.Duration) *TokenExchanger {
	if timeout <= 0 {
		timeout = DefaultOutboundTimeout
	}
	return &TokenExchanger{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: timeout},
		endpointFor: func(shop string) string {
			return "https://" + shop + "/admin/oauth/access_token"
		},
	}
}

// Exchange performs the token-exchange grant. Non-2xx responses surface as a
// *TokenExchangeError; there is no automatic retry.
func (exchanger *TokenExchanger) Exchange(ctx context.Context, sessionToken string, shop string) (TokenExchangeResult, error) {
	if strings.TrimSpace(sessionToken) == "" {
		return TokenExchangeResult{}, fmt.Errorf("exchange: %w", ErrExchangeMissingSessionToken)
	}
	if strings.TrimSpace(shop) == "" {
		return TokenExchangeResult{}, fmt.Errorf("exchange: %w", ErrExchangeMissingShop)
	}

	formData := url.Values{
		"client_id":            {exchanger.apiKey},
		"client_secret":        {exchanger.apiSecret},
		"grant_type":           {grantTypeTokenExchange},
		"subject_token":        {sessionToken},
		"subject_token_type":   {subjectTokenTypeIDToken},
		"requested_token_type": {requestedTokenTypeOffline},
		"expiring":             {"1"},
	}

	request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, exchanger.endpointFor(shop), strings.NewReader(formData.Encode()))
	if buildErr != nil {
		return TokenExchangeResult{}, fmt.Errorf("exchange.build_request: %w", buildErr)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, fetchErr := exchanger.httpClient.Do(request)
	if fetchErr != nil {
		activeMetrics().Increment(MetricExchangeFailure)
		return TokenExchangeResult{}, fmt.Errorf("exchange.fetch: %w", fetchErr)
	}
	defer func() { _ = response.Body.Close() }()

	responseBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		activeMetrics().Increment(MetricExchangeFailure)
		return TokenExchangeResult{}, fmt.Errorf("exchange.read_response: %w", readErr)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		activeMetrics().Increment(MetricExchangeFailure)
		return TokenExchangeResult{}, &TokenExchangeError{
			StatusCode: response.StatusCode,
			Body:       Truncate(string(responseBody), 500),
		}
	}

	var result TokenExchangeResult
	if unmarshalErr := json.Unmarshal(responseBody, &result); unmarshalErr != nil {
		activeMetrics().Increment(MetricExchangeFailure)
		return TokenExchangeResult{}, fmt.Errorf("exchange.parse_response: %w", unmarshalErr)
	}

	activeMetrics().Increment(MetricExchangeSuccess)
	return result, nil
}
