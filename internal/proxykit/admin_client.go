package proxykit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrAdminMissingShop indicates an empty shop domain.
	ErrAdminMissingShop = errors.New("admin_client.missing_shop")
	// ErrAdminMissingAccessToken indicates an empty access token.
	ErrAdminMissingAccessToken = errors.New("admin_client.missing_access_token")
	// ErrAdminGraphQL indicates the GraphQL layer returned errors.
	ErrAdminGraphQL = errors.New("admin_client.graphql_errors")
)

// GraphQLError is one error entry from the Admin API response envelope.
type GraphQLError struct {
	Message string `json:"message"`
}

// GraphQLResponse is the Admin API response envelope.
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// FirstErrorMessage returns the first GraphQL error message, if any.
func (response *GraphQLResponse) FirstErrorMessage() string {
	if response == nil || len(response.Errors) == 0 {
		return ""
	}
	return response.Errors[0].Message
}

// AdminClient issues GraphQL queries against a shop's Admin API using a
// stored offline access token.
type AdminClient struct {
	apiVersion  string
	httpClient  *http.Client
	endpointFor func(shop string) string
}

// NewAdminClient constructs a client for the given Admin API version.
func NewAdminClient(apiVersion string, timeout time.Duration) *AdminClient {
	if strings.TrimSpace(apiVersion) == "" {
		apiVersion = DefaultAdminAPIVersion
	}
	if timeout <= 0 {
		timeout = DefaultOutboundTimeout
	}
	client := &AdminClient{
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: timeout},
	}
	client.endpointFor = func(shop string) string {
		return "https://" + shop + "/admin/api/" + client.apiVersion + "/graphql.json"
	}
	return client
}

// Query posts one GraphQL document and returns the parsed envelope. GraphQL
// errors are returned inside the envelope, not as a Go error, so callers can
// relay them per their own contract.
func (client *AdminClient) Query(ctx context.Context, shop string, accessToken string, query string, variables map[string]any) (*GraphQLResponse, error) {
	if strings.TrimSpace(shop) == "" {
		return nil, fmt.Errorf("admin_client.query: %w", ErrAdminMissingShop)
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("admin_client.query: %w", ErrAdminMissingAccessToken)
	}

	payload := map[string]any{"query": query}
	if len(variables) > 0 {
		payload["variables"] = variables
	}
	encoded, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return nil, fmt.Errorf("admin_client.encode: %w", marshalErr)
	}

	request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, client.endpointFor(shop), bytes.NewReader(encoded))
	if buildErr != nil {
		return nil, fmt.Errorf("admin_client.build_request: %w", buildErr)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Shopify-Access-Token", accessToken)

	response, fetchErr := client.httpClient.Do(request)
	if fetchErr != nil {
		return nil, fmt.Errorf("admin_client.fetch: %w", fetchErr)
	}
	defer func() { _ = response.Body.Close() }()

	responseBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return nil, fmt.Errorf("admin_client.read_response: %w", readErr)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("admin_client.http_status: admin API returned %d: %s", response.StatusCode, Truncate(string(responseBody), 500))
	}

	var envelope GraphQLResponse
	if unmarshalErr := json.Unmarshal(responseBody, &envelope); unmarshalErr != nil {
		return nil, fmt.Errorf("admin_client.parse_response: %w", unmarshalErr)
	}
	return &envelope, nil
}
