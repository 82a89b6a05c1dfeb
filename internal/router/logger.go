package router

import (
	"time"

	"dilemma-agg/internal/logger"

	"github.com/gin-gonic/gin"
)

// requestLogger 用 zap 替换 gin 默认的访问日志
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := logger.Named("http")
		fields := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		}
		if len(c.Errors) > 0 {
			log.Warnw("请求完成", append(fields, "errors", c.Errors.String())...)
			return
		}
		log.Debugw("请求完成", fields...)
	}
}
