package controller

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonmw "orbishost/internal/common/http/middleware"
)

// RegisterRoutes wires the plugin API and the metrics endpoint onto a
// router. The identity middleware applies to the plugin API only;
// scrapes carry no identity.
func RegisterRoutes(router *gin.Engine, pc *PluginController, auth AuthConfig) {
	router.Use(commonmw.TraceContextMiddleware())

	api := router.Group("/api/v1/plugins")
	api.Use(IdentityMiddleware(auth))
	api.GET("", pc.List)
	api.GET("/:name", pc.Get)
	api.POST("/:name/hooks/:hook", pc.Execute)
	api.POST("/:name/start", pc.Start)
	api.POST("/:name/stop", pc.Stop)
	api.POST("/:name/restart", pc.Restart)
	api.GET("/:name/usage", pc.Usage)
	api.GET("/:name/metrics", pc.WorkerMetrics)

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewManagerCollector(pc.svc))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
}
