package web

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerRequestID = "X-Request-ID"
	ctxLogger       = "logger"
	ctxCredentials  = "credentials"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)
		c.Set(headerRequestID, id)
		c.Next()
	}
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		l := log.With(zap.String("request_id", c.GetString(headerRequestID)))
		c.Set(ctxLogger, l)
		c.Next()
		l.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func loggerFrom(c *gin.Context) *zap.Logger {
	if l, ok := c.Get(ctxLogger); ok {
		if logger, ok := l.(*zap.Logger); ok {
			return logger
		}
	}
	return zap.NewNop()
}
