package hook

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/logging"
	"github.com/clauderon/clauderon/internal/tracing"
)

// OtelTracing wraps each hook request in an OTel span. A no-op until
// OTEL_EXPORTER_OTLP_ENDPOINT is set, per internal/tracing's opt-in design.
func OtelTracing() gin.HandlerFunc {
	tracer := tracing.Tracer("clauderond/hook")

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		ctx, span := tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, path))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.String("http.request.method", c.Request.Method),
			attribute.String("http.route", path),
			attribute.Int("http.response.status_code", status),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// RequestLogger logs every inbound hook request, mirroring the teacher's
// own gin request-logging middleware.
func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("hook request completed",
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// Recovery recovers from a panicking handler so one malformed hook payload
// can't take down the daemon's entire local HTTP surface.
func Recovery(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered in hook handler", zap.Any("panic", r))
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// NewRouter builds the gin engine serving the hook surface, with the
// session hooks bound at /internal/hooks/status and, when hub is non-nil,
// a status-push websocket at /internal/hooks/ws.
func NewRouter(m Manager, hub *Hub, log *logging.Logger) *gin.Engine {
	if log == nil {
		log = logging.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log), OtelTracing(), RequestLogger(log))

	internal := router.Group("/internal/hooks")
	RegisterRoutes(internal, m, hub, log)

	router.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	return router
}
