package main

import (
	"context"
	"net/http"
	"time"

	commonmw "agentarena/internal/common/http/middleware"
	"agentarena/internal/eventsink"
	"agentarena/internal/executor"
	appErr "agentarena/pkg/errors"
	"agentarena/pkg/utils/logger"
	"agentarena/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// eventHistory reads back the log of a match that is no longer running.
type eventHistory interface {
	Replay(ctx context.Context, matchID string) ([]eventsink.Record, error)
}

// opsServer serves health, metrics and the event feed of matches. Running
// matches stream over a websocket; finished ones are replayed from history
// when a redis stream is configured.
type opsServer struct {
	pool    *executor.SlotPool
	backend string
	metrics http.Handler
	hub     *eventsink.Hub
	history eventHistory
}

func newOpsServer(rt *runtime) *opsServer {
	ops := &opsServer{
		pool:    rt.svc.Pool(),
		backend: rt.backend.Name(),
		metrics: rt.metrics.Handler(),
		hub:     rt.hub,
	}
	if rt.streams != nil {
		ops.history = rt.streams
	}
	return ops
}

func (o *opsServer) router() *gin.Engine {
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		response.AbortWithError(c, appErr.Newf(appErr.InternalServerError, "panic: %v", recovered))
	}))
	router.Use(requestLogger())

	router.GET("/healthz", o.health)
	if o.metrics != nil {
		router.GET("/metrics", gin.WrapH(o.metrics))
	}
	router.GET("/matches/:id/events", o.events)
	return router
}

func (o *opsServer) health(c *gin.Context) {
	response.Success(c, gin.H{
		"status":     "ok",
		"backend":    o.backend,
		"slotsInUse": o.pool.InUse(),
		"slots":      o.pool.Size(),
	})
}

func (o *opsServer) events(c *gin.Context) {
	matchID := c.Param("id")
	if o.hub.Live(matchID) {
		o.hub.ServeMatch(c.Writer, c.Request, matchID)
		return
	}
	if o.history == nil {
		response.NotFound(c, "match is not running")
		return
	}
	records, err := o.history.Replay(c.Request.Context(), matchID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if len(records) == 0 {
		response.NotFound(c, "match not found")
		return
	}
	response.Success(c, records)
}

func buildHTTPServer(cfg ServerConfig, ops *opsServer) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      ops.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
