package web

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request identifier on responses.
const RequestIDHeader = "X-Request-Id"

// RequestIDContextKey stores the identifier in the gin context.
const RequestIDContextKey = "request_id"

// RequestID assigns a v4 UUID to each request unless the client supplied
// one, exposing it on the response and in the context for log correlation.
func RequestID() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := contextGin.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		contextGin.Set(RequestIDContextKey, requestID)
		contextGin.Header(RequestIDHeader, requestID)
		contextGin.Next()
	}
}
