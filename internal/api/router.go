package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/Conceptual-Machines/maestro-api/internal/api/handlers"
	apimiddleware "github.com/Conceptual-Machines/maestro-api/internal/api/middleware"
	"github.com/Conceptual-Machines/maestro-api/internal/config"
	"github.com/Conceptual-Machines/maestro-api/internal/metrics"
	"github.com/Conceptual-Machines/maestro-api/internal/orpheus"
)

func SetupRouter(db *gorm.DB, cfg *config.Config, generator *orpheus.Client, cloudwatch *metrics.Client, version string) *gin.Engine {
	router := gin.New()

	// Recovery middleware (must be first)
	router.Use(apimiddleware.RecoverWithSentry())

	// Sentry middleware for error tracking
	router.Use(apimiddleware.SentryMiddleware())

	// Request tracking and structured logging
	router.Use(apimiddleware.RequestTracking(cloudwatch))

	// CORS middleware
	router.Use(apimiddleware.CORS())

	// Health check
	healthHandler := handlers.NewHealthHandler(db, version)
	router.GET("/health", healthHandler.HealthCheck)

	// Composition API
	v1 := router.Group("/api/v1")
	{
		composeHandler := handlers.NewComposeHandler(cfg, db, generator, cloudwatch)
		v1.POST("/compose", composeHandler.Compose)
	}

	return router
}
