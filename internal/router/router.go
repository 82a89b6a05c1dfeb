package router

import (
	"dilemma-agg/internal/handler"
	"dilemma-agg/internal/service"

	"github.com/gin-gonic/gin"
)

func SetupRouter(svc *service.ServiceContext) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	aggregateHandler := handler.NewAggregateHandler(svc.AnalysisService, svc.Coordinator)
	analysisHandler := handler.NewAnalysisHandler(svc.AnalysisService)

	api := r.Group("/api")
	{
		aggregates := api.Group("/aggregates")
		{
			aggregates.POST("/update", aggregateHandler.UpdateAggregate)
		}

		runs := api.Group("/runs/:id/analysis")
		{
			runs.GET("", analysisHandler.GetAnalysis)
			runs.GET("/status", analysisHandler.GetStatus)
			runs.POST("/invalidate", analysisHandler.Invalidate)
			runs.POST("/recompute", analysisHandler.Recompute)
		}
	}

	return r
}
