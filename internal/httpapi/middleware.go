package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"playbook-loop-go/internal/logger"
)

const requestIDHeader = "X-Request-ID"

// requestLogger logs one line per request. It pins the request id so that
// handler logs and the response header agree.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := logger.RequestID(c.Request)
		c.Request.Header.Set(requestIDHeader, reqID)
		c.Header(requestIDHeader, reqID)

		c.Next()

		entry := log.WithRequest(c.Request).WithFields(logrus.Fields{
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"bytes":       c.Writer.Size(),
		})
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Warn("request completed")
		case c.Request.URL.Path == "/healthz":
			entry.Debug("request completed")
		default:
			entry.Info("request completed")
		}
	}
}

// recovery turns a handler panic into a logged 500.
func recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.WithRequest(c.Request).WithField("panic", recovered).Error("handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	})
}
