package httpapi

import (
	"musicgen-controlplane/pkg/config"
	"musicgen-controlplane/pkg/health"
	"musicgen-controlplane/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
	fx.Invoke(registerSystemEndpoints),
)

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.Trace(cfg.AppName),
		middleware.Logger("/healthz", "/readyz", "/metrics"),
		middleware.Error(),
	)
	return r
}

func registerSystemEndpoints(r *gin.Engine, h health.HealthService) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
