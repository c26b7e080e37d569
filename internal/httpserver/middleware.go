package httpserver

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectsync/internal/handler"
	"projectsync/internal/identity"
	"projectsync/internal/model"
	"projectsync/pkg/logger"
	"projectsync/pkg/metrics"
	"projectsync/pkg/rbac"
	"projectsync/pkg/trace"
)

// TraceMiddleware 从请求头读取或生成 trace id，并写回响应头
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(trace.HeaderName()); id != "" {
			ctx = trace.WithContext(ctx, id)
		}
		ctx, id := trace.Ensure(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName(), id)
		c.Next()
	}
}

// RequestLogger 记录每个请求，5xx 用 Error 级别
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		l := logger.WithTrace(c.Request.Context(), log)
		if status >= 500 {
			l.Error("HTTP request", fields...)
			return
		}
		l.Info("HTTP request", fields...)
	}
}

// MetricsMiddleware 记录 HTTP 请求耗时，按路由模板聚合
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// AuthMiddleware 校验 token，并把身份放进 request context
func AuthMiddleware(provider *identity.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := identity.ExtractToken(c.Request)
		if token == "" {
			handler.RespondError(c, fmt.Errorf("%w: missing token", model.ErrUnauthorized))
			return
		}
		id, err := provider.Parse(token)
		if err != nil {
			handler.RespondError(c, err)
			return
		}
		c.Request = c.Request.WithContext(identity.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// RequirePermission 中间件：要求当前身份具有指定权限
func RequirePermission(p rbac.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := identity.FromContext(c.Request.Context())
		if err != nil {
			handler.RespondError(c, err)
			return
		}
		if err := rbac.CheckPermission(id, p); err != nil {
			handler.RespondError(c, err)
			return
		}
		c.Next()
	}
}
