package proxykit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAdminClientRejectsEmptyInputs(t *testing.T) {
	client := NewAdminClient(DefaultAdminAPIVersion, time.Second)
	if _, err := client.Query(context.Background(), "", "token", "query {}", nil); !errors.Is(err, ErrAdminMissingShop) {
		t.Fatalf("expected missing shop error, got %v", err)
	}
	if _, err := client.Query(context.Background(), "shop.myshopify.com", "", "query {}", nil); !errors.Is(err, ErrAdminMissingAccessToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestAdminClientSendsAccessTokenHeader(t *testing.T) {
	var capturedToken string
	var capturedBody string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		capturedToken = request.Header.Get("X-Shopify-Access-Token")
		body, _ := io.ReadAll(request.Body)
		capturedBody = string(body)
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"data":{"shop":{"name":"Example"}}}`))
	}))
	t.Cleanup(server.Close)

	client := NewAdminClient(DefaultAdminAPIVersion, time.Second)
	client.endpointFor = func(shop string) string { return server.URL }

	envelope, queryErr := client.Query(context.Background(), "shop.myshopify.com", "offline-token", "query { shop { name } }", map[string]any{"first": 1})
	if queryErr != nil {
		t.Fatalf("Query: %v", queryErr)
	}
	if capturedToken != "offline-token" {
		t.Fatalf("access token header: %q", capturedToken)
	}
	if !strings.Contains(capturedBody, `"variables"`) {
		t.Fatalf("variables not sent: %s", capturedBody)
	}
	if len(envelope.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", envelope.Errors)
	}
}

func TestAdminClientReturnsGraphQLErrorsInEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"errors":[{"message":"access denied"}]}`))
	}))
	t.Cleanup(server.Close)

	client := NewAdminClient(DefaultAdminAPIVersion, time.Second)
	client.endpointFor = func(shop string) string { return server.URL }

	envelope, queryErr := client.Query(context.Background(), "shop.myshopify.com", "offline-token", "query {}", nil)
	if queryErr != nil {
		t.Fatalf("GraphQL errors must not be Go errors: %v", queryErr)
	}
	if envelope.FirstErrorMessage() != "access denied" {
		t.Fatalf("unexpected first error: %q", envelope.FirstErrorMessage())
	}
}

func TestAdminClientFailsOnHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
		_, _ = writer.Write([]byte(`{"errors":"Invalid API key or access token"}`))
	}))
	t.Cleanup(server.Close)

	client := NewAdminClient(DefaultAdminAPIVersion, time.Second)
	client.endpointFor = func(shop string) string { return server.URL }

	if _, queryErr := client.Query(context.Background(), "shop.myshopify.com", "stale-token", "query {}", nil); queryErr == nil {
		t.Fatal("expected error on HTTP 401")
	}
}

func TestAdminClientDefaultEndpointUsesVersion(t *testing.T) {
	client := NewAdminClient("2025-10", time.Second)
	endpoint := client.endpointFor("shop.myshopify.com")
	if endpoint != "https://shop.myshopify.com/admin/api/2025-10/graphql.json" {
		t.Fatalf("unexpected endpoint: %q", endpoint)
	}
}
