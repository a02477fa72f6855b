package proxykit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smartsell/shopbridge/pkg/sessiontoken"
)

// Context keys populated by RequireSessionToken.
const (
	ContextKeySessionClaims = "session_claims"
	ContextKeySessionToken  = "session_token"
	ContextKeyShopDomain    = "shop_domain"
)

// RequireSessionToken verifies the bearer session token on the request and
// injects the claims, the raw token, and the shop domain into the context.
// Requests without a valid token get a structured 401 and are aborted.
func RequireSessionToken(verifier *sessiontoken.Verifier) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, verifyErr := verifier.VerifyRequest(contextGin.Request)
		if verifyErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "No session token provided",
				"message": "session token missing or invalid",
			})
			return
		}
		contextGin.Set(ContextKeySessionClaims, claims)
		contextGin.Set(ContextKeySessionToken, sessiontoken.BearerToken(contextGin.GetHeader("Authorization")))
		contextGin.Set(ContextKeyShopDomain, claims.ShopDomain())
		contextGin.Next()
	}
}

// shopFromContext returns the shop domain injected by RequireSessionToken.
func shopFromContext(contextGin *gin.Context) string {
	return contextGin.GetString(ContextKeyShopDomain)
}

// sessionTokenFromContext returns the raw bearer token injected by
// RequireSessionToken.
func sessionTokenFromContext(contextGin *gin.Context) string {
	return contextGin.GetString(ContextKeySessionToken)
}
