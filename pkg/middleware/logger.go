package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
// Authorizationヘッダーやクエリ文字列は出力しない。
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if sub := GetSubject(c); sub != "" {
			fields = append(fields, zap.String("sub", sub))
		}
		if svc := GetCallingService(c); svc != "" {
			fields = append(fields, zap.String("calling_service", svc))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("リクエスト", fields...)
		case status >= 400:
			logger.Warn("リクエスト", fields...)
		default:
			logger.Info("リクエスト", fields...)
		}
	}
}
