package sessiontoken

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Verifier.
type Config struct {
	// APIKey is the app client id; session tokens carry it as the audience.
	APIKey string
	// APISecret is the HS256 signing secret shared with the platform.
	APISecret []byte
	// Leeway tolerates small clock skew on exp and nbf. Defaults to 10s.
	Leeway time.Duration
	Clock  Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "session_claims"

const defaultLeeway = 10 * time.Second

// Sentinel errors exposed by the verifier.
var (
	ErrMissingAPIKey    = errors.New("session_token.verifier.missing_api_key")
	ErrMissingAPISecret = errors.New("session_token.verifier.missing_api_secret")
	ErrMissingToken     = errors.New("session_token.verifier.missing_token")
	ErrInvalidToken     = errors.New("session_token.verifier.invalid_token")
	ErrInvalidAudience  = errors.New("session_token.verifier.invalid_audience")
	ErrInvalidShop      = errors.New("session_token.verifier.invalid_shop")
	ErrTokenExpired     = errors.New("session_token.verifier.expired")
)

var shopDomainPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*\.myshopify\.(com|io)$`)

// Verifier validates embedded-app session tokens minted by the platform's
// client-side bridge.
type Verifier struct {
	apiKey    string
	apiSecret []byte
	leeway    time.Duration
	clock     Clock
}

// Claims represent the payload of a platform session token.
type Claims struct {
	Destination string `json:"dest"`
	SessionID   string `json:"sid"`
	jwt.RegisteredClaims
}

// ShopDomain returns the shop host embedded in the dest claim.
func (claims *Claims) ShopDomain() string {
	if claims == nil {
		return ""
	}
	return strings.TrimPrefix(strings.TrimPrefix(claims.Destination, "https://"), "http://")
}

// New constructs a Verifier after validating the supplied configuration.
func New(configuration Config) (*Verifier, error) {
	if strings.TrimSpace(configuration.APIKey) == "" {
		return nil, fmt.Errorf("session_token.verifier.new: %w", ErrMissingAPIKey)
	}
	if len(configuration.APISecret) == 0 {
		return nil, fmt.Errorf("session_token.verifier.new: %w", ErrMissingAPISecret)
	}
	leeway := configuration.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Verifier{
		apiKey:    configuration.APIKey,
		apiSecret: configuration.APISecret,
		leeway:    leeway,
		clock:     clock,
	}, nil
}

// Verify parses and validates the raw session token and returns its claims.
func (verifier *Verifier) Verify(rawToken string) (*Claims, error) {
	trimmed := strings.TrimSpace(rawToken)
	if trimmed == "" {
		return nil, fmt.Errorf("session_token.verifier.verify: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(trimmed, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return verifier.apiSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(verifier.clock.Now),
		jwt.WithLeeway(verifier.leeway),
	)
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session_token.verifier.verify: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session_token.verifier.verify: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("session_token.verifier.verify: %w", ErrInvalidToken)
	}
	if !audienceContains(claims.Audience, verifier.apiKey) {
		return nil, fmt.Errorf("session_token.verifier.verify: %w", ErrInvalidAudience)
	}
	shopDomain := claims.ShopDomain()
	if shopDomain == "" || !shopDomainPattern.MatchString(shopDomain) {
		return nil, fmt.Errorf("session_token.verifier.verify: %w", ErrInvalidShop)
	}
	return claims, nil
}

// VerifyRequest extracts the bearer token from the request and validates it.
func (verifier *Verifier) VerifyRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session_token.verifier.verify_request: %w", ErrMissingToken)
	}
	bearer := BearerToken(request.Header.Get("Authorization"))
	if bearer == "" {
		return nil, fmt.Errorf("session_token.verifier.verify_request: %w", ErrMissingToken)
	}
	return verifier.Verify(bearer)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. Returns the empty string when the header does not match the
// case-insensitive bearer scheme.
func BearerToken(headerValue string) string {
	trimmed := strings.TrimSpace(headerValue)
	if trimmed == "" {
		return ""
	}
	const prefix = "bearer "
	if len(trimmed) <= len(prefix) || !strings.EqualFold(trimmed[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(trimmed[len(prefix):])
}

func audienceContains(audience jwt.ClaimStrings, candidate string) bool {
	for _, entry := range audience {
		if entry == candidate {
			return true
		}
	}
	return false
}

// GinMiddleware verifies the session token and stores claims in the context
// under the supplied key (DefaultContextKey when empty). Requests without a
// valid token are rejected with 401.
func (verifier *Verifier) GinMiddleware(contextKey string) gin.HandlerFunc {
	if contextKey == "" {
		contextKey = DefaultContextKey
	}
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
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

// ClaimsFromContext retrieves claims stored by GinMiddleware.
func ClaimsFromContext(contextGin *gin.Context, contextKey string) (*Claims, bool) {
	if contextKey == "" {
		contextKey = DefaultContextKey
	}
	value, exists := contextGin.Get(contextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok && claims != nil
}
