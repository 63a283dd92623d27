package gateway_routers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	realtimeApi "github.com/voxbridge-ai/voxbridge/api/realtime"
	"github.com/voxbridge-ai/voxbridge/config"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

// RealtimeApiRoute mounts the session negotiation endpoint at its public
// path, with a versioned alias.
func RealtimeApiRoute(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger) {
	sessionApi := realtimeApi.New(cfg, logger)
	api := engine.Group("realtime")
	{
		api.POST("/session", sessionApi.CreateSession)
	}
	apiv1 := engine.Group("v1/realtime")
	{
		apiv1.POST("/session", sessionApi.CreateSession)
	}
}

// HealthCheckRoutes mounts liveness and readiness probes.
func HealthCheckRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger) {
	logger.Info("health check routes added to engine")
	probe := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": cfg.Name,
			"version": cfg.Version,
			"status":  "ok",
		})
	}
	engine.GET("/healthz/", probe)
	engine.GET("/readiness/", probe)
}
