package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter wires the HTTP routes
func NewRouter(h *Handler, jwtSecret string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(logger), RequestLogger(logger))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", h.Health)

		auth := AuthMiddleware([]byte(jwtSecret))

		kpis := api.Group("/kpis")
		kpis.Use(auth)
		{
			kpis.POST("", h.CreateKpi)
			kpis.GET("", h.ListKpis)
			kpis.GET("/:kpi_id", h.GetKpi)
			kpis.POST("/:kpi_id/update", h.UpdateKpi)
		}

		notifications := api.Group("/notifications")
		notifications.Use(auth)
		{
			notifications.POST("/preferences", h.CreatePreference)
			notifications.GET("/preferences", h.ListPreferences)
			notifications.GET("/preferences/:kpi_id", h.GetPreference)
			notifications.DELETE("/preferences/:kpi_id", h.DeletePreference)
			notifications.GET("/history", h.GetHistory)
		}
	}

	return r
}
