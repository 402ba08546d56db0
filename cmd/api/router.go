package api

import (
	"net/http"

	accountDelivery "leadflow-backend/internal/account/delivery"
	syncDelivery "leadflow-backend/internal/sync/delivery"
	"leadflow-backend/internal/webhook"
	"leadflow-backend/pkg/config"
	"leadflow-backend/pkg/metrics"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, accountHandler *accountDelivery.AccountHandler, syncHandler *syncDelivery.SyncHandler, webhookHandler *webhook.Handler, cfg *config.Config) {
	// Provider push endpoints authenticate themselves (shared token /
	// clientState), not via the service JWT.
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/google", webhookHandler.HandleGoogle)
		// Graph sends the validationToken handshake on GET as well as POST.
		webhooks.GET("/microsoft", webhookHandler.HandleMicrosoft)
		webhooks.POST("/microsoft", webhookHandler.HandleMicrosoft)
	}

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		authed := api.Group("")
		authed.Use(accountDelivery.ServiceAuthMiddleware(cfg.ServiceJWTSecret))
		{
			accounts := authed.Group("/accounts")
			{
				accounts.POST("/:provider/link", accountHandler.LinkAccount)
				accounts.GET("", accountHandler.ListAccounts)
				accounts.GET("/:id", accountHandler.GetAccount)
				accounts.POST("/:id/sync", accountHandler.SyncNow)
				// Retry is a manual sync under another name: re-enqueue and
				// clear any accumulated backoff.
				accounts.POST("/:id/retry", accountHandler.SyncNow)
				accounts.DELETE("/:id", accountHandler.Disconnect)
			}

			authed.POST("/tenant/key-rotation", accountHandler.RotateTenantKey)

			threads := authed.Group("/threads")
			{
				threads.GET("", syncHandler.ListThreads)
				threads.GET("/:id", syncHandler.GetThread)
			}

			authed.GET("/events", syncHandler.ListEvents)
		}
	}
}
