package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
)

// RequestLogger logs all incoming requests with detailed information.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		duration := time.Since(start)
		log.Info("Request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("request_id", requestID),
		)
	}
}

// BearerAuth enforces the shared bearer token on every route it wraps.
// An empty configured token disables authentication.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		supplied := c.GetHeader("Authorization")
		if supplied == "" {
			// WebSocket and EventSource clients cannot always set
			// headers, so the token may ride a query parameter.
			supplied = c.Query("token")
		}
		supplied = strings.TrimPrefix(supplied, "Bearer ")

		if supplied != token {
			appErr := errors.Unauthorized("invalid or missing bearer token")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Next()
	}
}
