package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLoggerMiddleware derives a request-scoped logger carrying the
// trace_id set by TraceMiddleware and stores it under the "logger" key on
// both gin.Context and the request context, where logctx picks it up.
// The trace id is also echoed in the X-Request-ID response header so a
// caller can quote it when reporting a failed payment attempt.
func RequestLoggerMiddleware(base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLogger := base
		traceID, _ := c.Get("traceID")
		if s, ok := traceID.(string); ok && s != "" {
			reqLogger = base.With("trace_id", s)
			c.Writer.Header().Set("X-Request-ID", s)
		}

		c.Set("logger", reqLogger)
		ctx := context.WithValue(c.Request.Context(), "logger", reqLogger)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
