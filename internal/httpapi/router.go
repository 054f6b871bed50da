package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-studio/redstage"
)

// Dependencies holds what the handlers need.
type Dependencies struct {
	Pipeline *redstage.Pipeline
	Logger   *slog.Logger
	Service  string
}

// NewRouter configures the gin engine with every route.
func NewRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	service := deps.Service
	if service == "" {
		service = "redstage"
	}
	r.GET("/health", func(c *gin.Context) {
		if err := deps.Pipeline.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": service, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": service})
	})

	h := NewHandler(deps)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/queues", h.Stats)
		v1.GET("/queues/:name/jobs", h.PeekQueue)

		v1.POST("/jobs", h.SubmitJob)
		v1.GET("/jobs/:job_id", h.GetJob)

		v1.GET("/workers", h.ListWorkers)
		v1.DELETE("/workers/:worker_id", h.SignOutWorker)

		v1.GET("/deadletters", h.DeadLetters)
		v1.POST("/retry", h.Retry)
		v1.POST("/reconcile", h.Reconcile)
	}
	return r
}
