package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/DripScheduler/docs"
	"github.com/Mutter0815/DripScheduler/pkg/metrics"
)

type Config struct {
	APIKeys     []string
	CORSOrigins []string
}

func NewHTTPServer(addr string, h *Handlers, cfg Config) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Content-Length", "Api-Key", "X-Request-ID"},
			ExposeHeaders: []string{"Content-Type", "Content-Length", "X-Request-ID"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", docs.SwaggerHTML)
	})
	r.GET("/docs/scheduler-api/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", docs.SchedulerOpenAPI)
	})

	api := r.Group("/", RequireAPIKey(cfg.APIKeys))
	api.POST("/campaigns", h.CreateCampaign)
	api.GET("/campaigns", h.ListCampaigns)
	api.GET("/campaigns/:id", h.GetCampaign)
	api.PATCH("/campaigns/:id", h.UpdateCampaign)
	api.DELETE("/campaigns/:id", h.DeleteCampaign)
	api.PUT("/campaigns/:id/steps", h.ReplaceSteps)
	api.POST("/campaigns/:id/enrollments", h.Enroll)

	api.GET("/subscriptions/:id", h.GetSubscription)
	api.POST("/subscriptions/:id/pause", h.PauseSubscription)
	api.POST("/subscriptions/:id/cancel", h.CancelSubscription)
	api.POST("/subscriptions/:id/resume", h.ResumeSubscription)
	api.POST("/subscriptions/:id/trigger", h.Trigger)

	api.POST("/sweep", h.Sweep)
	api.POST("/webhooks/email", h.EmailWebhook)

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
