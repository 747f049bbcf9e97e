package router

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/realtime-relay/internal/api/handler"
)

// New 组装 gin 引擎与路由
func New(mode string, h *handler.Handler) *gin.Engine {
	gin.SetMode(mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(otelgin.Middleware("realtime-relay"))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	v1 := r.Group("/api/v1/realtime")
	{
		v1.POST("/token", h.IssueToken)
		v1.GET("/token/verify", h.VerifyToken)
		v1.POST("/events", h.PublishEvent)
		v1.POST("/events/enqueue", h.EnqueueEvent)
		v1.POST("/outbox/drain", h.Drain)
	}
	return r
}
