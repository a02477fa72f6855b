package proxykit

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smartsell/shopbridge/pkg/sessiontoken"
	"go.uber.org/zap"
)

// RouteDependencies wires the proxy surface together. Every field except
// Verifier and Admin is required; routes needing a missing optional
// dependency answer 500.
type RouteDependencies struct {
	Config      ServerConfig
	Forwarder   *BackendForwarder
	Exchanger   *TokenExchanger
	Sessions    SessionStore
	Verifier    *sessiontoken.Verifier
	Admin       *AdminClient
	Notifier    *InstallationNotifier
	InstallLogs *InstallationLogStore
}

// apiPrefix is stripped from catch-all paths before forwarding.
const apiPrefix = "/api"

// MountProxyRoutes registers the /api surface: the token-exchange and
// catalog routes, the public ingest and offers routes, and the NoRoute
// catch-all forwarder. Gin cannot mix a wildcard with the static /api
// routes, so the catch-all lives on NoRoute guarded by prefix.
func MountProxyRoutes(router *gin.Engine, deps RouteDependencies) {
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(contextGin *gin.Context) {
		respondError(contextGin, http.StatusMethodNotAllowed, "Method not allowed", contextGin.Request.Method+" is not supported on "+contextGin.Request.URL.Path)
	})

	requireSession := RequireSessionToken(deps.Verifier)

	api := router.Group(apiPrefix)

	api.GET("/exchange-token", requireSession, handleExchangeToken(deps))
	api.GET("/get-token", requireSession, handleGetToken())
	api.GET("/installation-logs", requireSession, handleInstallationLogs(deps))

	api.GET("/campaigns/offers", handleOffers(deps))
	api.POST("/campaigns/offers", handleOffers(deps))
	api.OPTIONS("/campaigns/offers", handleOffersPreflight())

	api.GET("/ingest", handleIngestInfo())
	api.POST("/ingest", handleIngest())
	api.OPTIONS("/ingest", handleIngestPreflight())

	mountCatalogRoutes(api, requireSession, deps)

	router.NoRoute(handleCatchAll(deps))
}

func respondError(contextGin *gin.Context, status int, errorLabel string, message string) {
	contextGin.JSON(status, gin.H{
		"success": false,
		"error":   errorLabel,
		"message": message,
	})
}

// relayForwardResult replays the upstream status, content type, and body.
func relayForwardResult(contextGin *gin.Context, result *ForwardResult) {
	contextGin.Data(result.StatusCode, result.ContentType(), result.Body)
}

// readBufferedBody drains the inbound body exactly once. Routes pass the
// buffer onward; nothing downstream touches the stream again.
func readBufferedBody(contextGin *gin.Context) []byte {
	if contextGin.Request.Body == nil {
		return nil
	}
	body, readErr := io.ReadAll(contextGin.Request.Body)
	if readErr != nil {
		return nil
	}
	return body
}

// handleCatchAll forwards any unmatched /api/* request to the backend,
// preserving path, query, and body, and relaying the response verbatim.
func handleCatchAll(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestPath := contextGin.Request.URL.Path
		if !strings.HasPrefix(requestPath, apiPrefix+"/") {
			respondError(contextGin, http.StatusNotFound, "Not found", "unknown route: "+requestPath)
			return
		}

		if contextGin.Request.Method == http.MethodOptions {
			applyCORSHeaders(contextGin, corsPolicy{
				methods: "GET, POST, PUT, DELETE, OPTIONS",
				headers: "Content-Type, Authorization",
			})
			contextGin.Status(http.StatusNoContent)
			return
		}

		switch contextGin.Request.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			respondError(contextGin, http.StatusMethodNotAllowed, "Method not allowed", contextGin.Request.Method+" is not supported")
			return
		}

		backendPath := strings.TrimPrefix(requestPath, apiPrefix)
		if rawQuery := contextGin.Request.URL.RawQuery; rawQuery != "" {
			backendPath += "?" + rawQuery
		}

		body := readBufferedBody(contextGin)

		result, forwardErr := deps.Forwarder.Forward(contextGin.Request.Context(), contextGin.Request, backendPath, ForwardOptions{
			Method: contextGin.Request.Method,
			Body:   body,
		})
		if forwardErr != nil {
			respondForwardError(contextGin, forwardErr)
			return
		}
		relayForwardResult(contextGin, result)
	}
}

// respondForwardError converts a forwarding failure into the client-facing
// contract: 504 on outbound timeout, otherwise a generic 500. Details stay
// in the server log only.
func respondForwardError(contextGin *gin.Context, forwardErr error) {
	activeLogger().Error("failed to forward request to backend",
		zap.String("path", contextGin.Request.URL.Path),
		zap.Error(forwardErr),
	)
	if IsTimeout(forwardErr) {
		respondError(contextGin, http.StatusGatewayTimeout, "Backend timeout", "backend did not respond in time")
		return
	}
	respondError(contextGin, http.StatusInternalServerError, "Failed to forward request to backend", "upstream request failed")
}

// corsPolicy describes the CORS headers a route attaches. The origin is
// echoed when present; the wildcard is used otherwise and is never combined
// with credentials.
type corsPolicy struct {
	methods string
	headers string
}

func applyCORSHeaders(contextGin *gin.Context, policy corsPolicy) {
	origin := contextGin.GetHeader("Origin")
	if origin != "" {
		contextGin.Header("Access-Control-Allow-Origin", origin)
		contextGin.Header("Access-Control-Allow-Credentials", "true")
	} else {
		contextGin.Header("Access-Control-Allow-Origin", "*")
	}
	contextGin.Header("Access-Control-Allow-Methods", policy.methods)
	contextGin.Header("Access-Control-Allow-Headers", policy.headers)
}

var offersCORS = corsPolicy{
	methods: "GET, POST, OPTIONS",
	headers: "Content-Type, Authorization",
}

func handleOffersPreflight() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		applyCORSHeaders(contextGin, offersCORS)
		contextGin.Header("Access-Control-Max-Age", "86400")
		contextGin.Status(http.StatusNoContent)
	}
}

// offersRequestParams is what the offers route extracts from the query
// string or the JSON body before forwarding.
type offersRequestParams struct {
	Surface    string
	ProductIDs string
	Shop       string
}

func (params offersRequestParams) backendPath() string {
	values := url.Values{}
	if params.Surface != "" {
		values.Set("surface", params.Surface)
	}
	if params.ProductIDs != "" {
		values.Set("productIds", params.ProductIDs)
	}
	path := "/campaigns/offers"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return path
}

// handleOffers serves both admin calls (bearer token present, forwarded
// unchanged) and storefront extension calls (no bearer; the shop's stored
// offline token is resolved and substituted). The backend always receives a
// GET with query parameters.
func handleOffers(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		applyCORSHeaders(contextGin, offersCORS)

		params := extractOffersParams(contextGin)

		hasBearer := BearerTokenFromRequest(contextGin.Request) != ""
		var shopAccessToken string
		if !hasBearer && params.Shop != "" {
			session, findErr := deps.Sessions.FindOfflineSession(contextGin.Request.Context(), params.Shop)
			if findErr != nil {
				activeMetrics().Increment(MetricShopTokenMissing)
				activeLogger().Warn("no stored access token for shop",
					zap.String("shop", params.Shop),
					zap.Error(findErr),
				)
			} else {
				shopAccessToken = session.AccessToken
			}
		}

		result, forwardErr := deps.Forwarder.Forward(contextGin.Request.Context(), contextGin.Request, params.backendPath(), ForwardOptions{
			Method:          http.MethodGet,
			ShopAccessToken: shopAccessToken,
		})
		if forwardErr != nil {
			if IsTimeout(forwardErr) {
				respondError(contextGin, http.StatusGatewayTimeout, "Backend timeout", "backend did not respond in time")
				return
			}
			activeLogger().Error("failed to fetch offers", zap.Error(forwardErr))
			respondError(contextGin, http.StatusInternalServerError, "Failed to fetch offers", "upstream request failed")
			return
		}
		relayForwardResult(contextGin, result)
	}
}

// extractOffersParams reads surface, productIds, and shop from the JSON body
// on POST (falling back to the query string when the body does not parse)
// and from the query string otherwise. productIds may arrive as an array or
// a comma-joined string; it is always forwarded comma-joined.
func extractOffersParams(contextGin *gin.Context) offersRequestParams {
	query := contextGin.Request.URL.Query()
	fromQuery := offersRequestParams{
		Surface:    query.Get("surface"),
		ProductIDs: query.Get("productIds"),
		Shop:       query.Get("shop"),
	}

	if contextGin.Request.Method != http.MethodPost {
		return fromQuery
	}

	body := readBufferedBody(contextGin)
	if len(body) == 0 {
		return fromQuery
	}

	var parsed struct {
		Surface    string          `json:"surface"`
		ProductIDs json.RawMessage `json:"productIds"`
		Shop       string          `json:"shop"`
	}
	if unmarshalErr := json.Unmarshal(body, &parsed); unmarshalErr != nil {
		return fromQuery
	}

	params := offersRequestParams{
		Surface: parsed.Surface,
		Shop:    parsed.Shop,
	}
	if params.Shop == "" {
		params.Shop = fromQuery.Shop
	}
	params.ProductIDs = decodeProductIDs(parsed.ProductIDs)
	return params
}

func decodeProductIDs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asList []string
	if listErr := json.Unmarshal(raw, &asList); listErr == nil {
		return strings.Join(asList, ",")
	}
	var asString string
	if stringErr := json.Unmarshal(raw, &asString); stringErr == nil {
		return asString
	}
	return ""
}

func handleExchangeToken(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		shop := shopFromContext(contextGin)
		if shop == "" {
			respondError(contextGin, http.StatusBadRequest, "Shop domain not found in session", "session token carries no shop destination")
			return
		}
		sessionToken := sessionTokenFromContext(contextGin)
		if sessionToken == "" {
			respondError(contextGin, http.StatusUnauthorized, "No session token provided", "session token missing from request")
			return
		}

		result, exchangeErr := deps.Exchanger.Exchange(contextGin.Request.Context(), sessionToken, shop)
		if exchangeErr != nil {
			logTokenExchangeFailure(shop, exchangeErr)
			respondError(contextGin, http.StatusInternalServerError, "Token exchange failed", "could not exchange session token")
			return
		}

		persistExchangedSession(contextGin, deps, shop, result)

		contextGin.JSON(http.StatusOK, gin.H{
			"success":                  true,
			"access_token":             result.AccessToken,
			"refresh_token":            result.RefreshToken,
			"expires_in":               result.ExpiresIn,
			"refresh_token_expires_in": result.RefreshTokenExpiresIn,
			"scope":                    result.Scope,
			"shop":                     shop,
		})
	}
}

func logTokenExchangeFailure(shop string, exchangeErr error) {
	var rejection *TokenExchangeError
	if errors.As(exchangeErr, &rejection) {
		activeLogger().Error("token exchange rejected",
			zap.String("shop", shop),
			zap.Int("status", rejection.StatusCode),
			zap.String("body", rejection.Body),
		)
		return
	}
	activeLogger().Error("token exchange failed",
		zap.String("shop", shop),
		zap.Error(exchangeErr),
	)
}

// persistExchangedSession stores the new offline session and fires the
// install notification. Both are best-effort: the exchanged token is the
// response contract and is returned even if persistence hiccups.
func persistExchangedSession(contextGin *gin.Context, deps RouteDependencies, shop string, result TokenExchangeResult) {
	session := Session{
		ID:          "offline_" + shop,
		Shop:        shop,
		AccessToken: result.AccessToken,
		IsOnline:    false,
		Scope:       result.Scope,
	}
	if result.ExpiresIn > 0 {
		session.Expires = activeClock().Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	if storeErr := deps.Sessions.StoreSession(contextGin.Request.Context(), session); storeErr != nil {
		activeLogger().Warn("failed to persist exchanged session",
			zap.String("shop", shop),
			zap.Error(storeErr),
		)
	}
	if deps.Notifier != nil {
		outcome := deps.Notifier.NotifyInstalled(contextGin.Request.Context(), shop, result.AccessToken)
		outcome.Log(activeLogger())
	}
}

func handleGetToken() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		sessionToken := sessionTokenFromContext(contextGin)
		if sessionToken == "" {
			respondError(contextGin, http.StatusUnauthorized, "No session token provided", "session token missing from request")
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"success": true,
			"token":   sessionToken,
		})
	}
}

func handleInstallationLogs(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		shop := contextGin.Query("shop")
		if shop == "" {
			shop = shopFromContext(contextGin)
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"success": true,
			"shop":    shop,
			"logs":    deps.InstallLogs.Logs(shop),
		})
	}
}

var ingestCORS = corsPolicy{
	methods: "POST, OPTIONS",
	headers: "Content-Type",
}

func handleIngestPreflight() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		applyCORSHeaders(contextGin, ingestCORS)
		contextGin.Status(http.StatusNoContent)
	}
}

// handleIngestInfo describes the endpoint for manual testing.
func handleIngestInfo() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{
			"endpoint":       "/api/ingest",
			"methods":        []string{"POST"},
			"description":    "Receives checkout completion events from the storefront web pixel",
			"requiredFields": []string{"orderId", "items"},
			"itemFields":     []string{"productId", "variantId", "quantity"},
		})
	}
}

type ingestItem struct {
	ProductID string   `json:"productId"`
	VariantID string   `json:"variantId"`
	Quantity  *float64 `json:"quantity"`
}

type ingestPayload struct {
	OrderID string        `json:"orderId"`
	Items   *[]ingestItem `json:"items"`
}

// handleIngest validates checkout completion events sent from the customer's
// browser. It logs the event but does not yet persist it; the response must
// return quickly so the pixel is never blocked. An empty items array is
// accepted deliberately.
func handleIngest() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		applyCORSHeaders(contextGin, ingestCORS)

		body := readBufferedBody(contextGin)
		var payload ingestPayload
		if unmarshalErr := json.Unmarshal(body, &payload); unmarshalErr != nil {
			activeMetrics().Increment(MetricIngestRejected)
			respondError(contextGin, http.StatusBadRequest, "Invalid JSON body", "request body must be a JSON object")
			return
		}

		if payload.OrderID == "" {
			activeMetrics().Increment(MetricIngestRejected)
			respondError(contextGin, http.StatusBadRequest, "Missing required field: orderId", "orderId is required")
			return
		}
		if payload.Items == nil {
			activeMetrics().Increment(MetricIngestRejected)
			respondError(contextGin, http.StatusBadRequest, "Missing or invalid field: items", "items must be an array")
			return
		}
		for _, item := range *payload.Items {
			if item.ProductID == "" || item.VariantID == "" || item.Quantity == nil {
				activeMetrics().Increment(MetricIngestRejected)
				respondError(contextGin, http.StatusBadRequest, "Invalid item data: missing productId, variantId, or quantity", "every item requires productId, variantId, and a numeric quantity")
				return
			}
		}

		activeMetrics().Increment(MetricIngestAccepted)
		activeLogger().Info("checkout completed event received",
			zap.String("order_id", payload.OrderID),
			zap.Int("items", len(*payload.Items)),
		)

		contextGin.JSON(http.StatusOK, gin.H{
			"success":        true,
			"message":        "Checkout event received",
			"orderId":        payload.OrderID,
			"itemsProcessed": len(*payload.Items),
		})
	}
}
