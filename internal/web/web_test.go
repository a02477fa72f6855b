package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func TestConfigureCORSRejectsWildcard(t *testing.T) {
	t.Parallel()
	if _, err := ConfigureCORS(zaptest.NewLogger(t), []string{"*"}); err == nil {
		t.Fatal("wildcard origin must be rejected")
	}
}

func TestConfigureCORSRejectsEmptyOrigins(t *testing.T) {
	t.Parallel()
	if _, err := ConfigureCORS(zaptest.NewLogger(t), nil); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected empty-origins error, got %v", err)
	}
	if _, err := ConfigureCORS(zaptest.NewLogger(t), []string{" ", ""}); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected empty-origins error, got %v", err)
	}
}

func TestConfigureCORSRejectsMalformedOrigins(t *testing.T) {
	t.Parallel()
	malformed := []string{
		"https://admin.example.com/path",
		"https://admin.example.com?query=1",
		"ftp://admin.example.com",
		"admin.example.com",
	}
	for _, origin := range malformed {
		if _, err := ConfigureCORS(zaptest.NewLogger(t), []string{origin}); err == nil {
			t.Fatalf("origin %q must be rejected", origin)
		}
	}
}

func TestConfigureCORSAllowsConfiguredOrigin(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	middleware, configureErr := ConfigureCORS(zaptest.NewLogger(t), []string{"https://admin.example.com", "https://admin.example.com"})
	if configureErr != nil {
		t.Fatalf("ConfigureCORS: %v", configureErr)
	}

	router := gin.New()
	router.Use(middleware)
	router.GET("/probe", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/probe", nil)
	request.Header.Set("Origin", "https://admin.example.com")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Fatalf("origin not allowed: %q", got)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("credentials header missing: %q", got)
	}

	deniedRecorder := httptest.NewRecorder()
	deniedRequest := httptest.NewRequest(http.MethodGet, "/probe", nil)
	deniedRequest.Header.Set("Origin", "https://evil.example.com")
	router.ServeHTTP(deniedRecorder, deniedRequest)
	if got := deniedRecorder.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin must not be allowed: %q", got)
	}
}

func TestRequestIDAssignedWhenMissing(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID())
	var seenID string
	router.GET("/probe", func(contextGin *gin.Context) {
		seenID = contextGin.GetString(RequestIDContextKey)
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/probe", nil))

	headerID := recorder.Header().Get(RequestIDHeader)
	if headerID == "" {
		t.Fatal("request id header missing")
	}
	if seenID != headerID {
		t.Fatalf("context id %q does not match header %q", seenID, headerID)
	}
}

func TestRequestIDPreservesClientValue(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID())
	router.GET("/probe", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/probe", nil)
	request.Header.Set(RequestIDHeader, "client-supplied-id")
	router.ServeHTTP(recorder, request)

	if got := recorder.Header().Get(RequestIDHeader); got != "client-supplied-id" {
		t.Fatalf("client id not preserved: %q", got)
	}
}
