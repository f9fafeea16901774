package api

import (
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/inboxhq/mailcore/api/handlers"
	"github.com/inboxhq/mailcore/api/middleware"
	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/services"
)

// RegisterRoutes sets up all API endpoints
func RegisterRoutes(r *gin.Engine, cfg *config.Config, s *services.Services, repos *repository.Repositories, log logger.Logger) error {
	if s == nil {
		panic("Services cannot be nil")
	}
	if repos == nil {
		panic("Repositories cannot be nil")
	}

	// Add recovery middlewares
	r.Use(gin.Recovery())
	r.Use(tracing.RecoveryWithJaeger(opentracing.GlobalTracer()))

	apiHandlers, err := handlers.InitHandlers(cfg, repos, s, log)
	if err != nil {
		return err
	}

	// Health check endpoint (no auth)
	r.GET("/health", handlers.HealthCheck)

	// Pub/Sub push deliveries carry their own bearer token, not an API key
	r.POST("/webhooks/google", apiHandlers.GoogleWebhook.HandleNotification())

	apiKeyMiddleware := middleware.APIKeyMiddleware(middleware.APIKeyConfig{
		HeaderName:  "X-MAILCORE-API-KEY",
		ValidAPIKey: cfg.AppConfig.APIKey,
	})

	// API group with version
	api := r.Group("/v1")
	api.Use(apiKeyMiddleware)
	api.Use(middleware.TracingMiddleware())
	{
		connectors := api.Group("/connectors")
		{
			connectors.POST("/:id/sync", apiHandlers.Sync.RequestSync())
			connectors.POST("/:id/sync/cancel", apiHandlers.Sync.CancelSync())
			connectors.GET("/:id/sync", apiHandlers.Sync.GetSyncState())
			connectors.POST("/:id/active-mailbox", apiHandlers.Sync.MarkActiveMailbox())
			connectors.GET("/:id/events", apiHandlers.Events.ListEvents())
			connectors.POST("/:id/messages", apiHandlers.Messages.AppendMessage())
			connectors.POST("/:id/messages/actions", apiHandlers.Messages.ApplyAction())
		}
	}

	return nil
}
