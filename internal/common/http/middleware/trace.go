package middleware

import (
	"strings"

	"agentarena/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader = "X-Trace-Id"
	matchIDHeader = "X-Match-Id"

	traceIDContextKey = "trace_id"
)

// TraceContextConfig controls which ids are taken from request headers.
type TraceContextConfig struct {
	// MatchParam names the route parameter holding a match id, if any.
	MatchParam string
	// AllowMatchIDHeader lets callers tag requests without a match route.
	AllowMatchIDHeader bool
}

// TraceContextMiddleware ensures a trace id is in the context and the
// response headers, and carries the match id of /matches/:id routes.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceContextConfig{
		MatchParam:         "id",
		AllowMatchIDHeader: true,
	})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader(traceIDHeader))
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set(traceIDContextKey, traceID)
		ctx := contextkey.WithTrace(c.Request.Context(), traceID)
		c.Writer.Header().Set(traceIDHeader, traceID)

		matchID := ""
		if cfg.MatchParam != "" {
			matchID = c.Param(cfg.MatchParam)
		}
		if matchID == "" && cfg.AllowMatchIDHeader {
			matchID = strings.TrimSpace(c.GetHeader(matchIDHeader))
		}
		if matchID != "" {
			ctx = contextkey.WithMatch(ctx, matchID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
