// Package admin registers the administrative HTTP API.
package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/access"
	"github.com/router-for-me/GeminiRelay/internal/config"
	"github.com/router-for-me/GeminiRelay/internal/http/api/admin/handlers"
	"github.com/router-for-me/GeminiRelay/internal/metrics"
	"github.com/router-for-me/GeminiRelay/internal/pool"
	"github.com/router-for-me/GeminiRelay/internal/redeem"
	"github.com/router-for-me/GeminiRelay/internal/tokens"
	log "github.com/sirupsen/logrus"
)

// Deps bundles the components the admin API operates on.
type Deps struct {
	Tokens     *tokens.Manager
	Pool       *pool.Pool
	Redeem     *redeem.Manager
	Admin      *access.AdminProvider
	JWT        config.JWTConfig
	DeleteMode string
	Metrics    *metrics.Collector
}

// RegisterAdminRoutes registers the admin API under /api/admin.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.Tokens == nil || deps.Pool == nil || deps.Redeem == nil {
		return
	}

	adminGroup := r.Group("/api/admin")
	adminGroup.Use(adminAuthMiddleware(deps.Admin, deps.Metrics))

	authHandler := handlers.NewAuthHandler(deps.JWT)
	adminGroup.POST("/verify", authHandler.Verify)

	keyHandler := handlers.NewCallerTokenHandler(deps.Tokens, deps.DeleteMode)
	adminGroup.POST("/keys", keyHandler.Create)
	adminGroup.GET("/keys", keyHandler.List)
	adminGroup.PUT("/keys/:key", keyHandler.Update)
	adminGroup.DELETE("/keys/:key", keyHandler.Delete)

	credentialHandler := handlers.NewCredentialHandler(deps.Pool)
	adminGroup.GET("/gemini-keys", credentialHandler.List)
	adminGroup.GET("/gemini-keys/stats", credentialHandler.Stats)
	adminGroup.POST("/gemini-keys", credentialHandler.Create)
	adminGroup.PUT("/gemini-keys/:key", credentialHandler.Update)
	adminGroup.DELETE("/gemini-keys/:key", credentialHandler.Delete)

	batchHandler := handlers.NewRedeemBatchHandler(deps.Redeem)
	adminGroup.POST("/redeem/batch", batchHandler.Create)
	adminGroup.GET("/redeem/batches", batchHandler.List)
	adminGroup.GET("/redeem/batch/:batchId", batchHandler.Codes)
	adminGroup.DELETE("/redeem/batch/:batchId", batchHandler.Delete)

	versionHandler := handlers.NewVersionHandler()
	adminGroup.GET("/version", versionHandler.GetVersion)
}

// adminAuthMiddleware validates the admin bearer token or session.
func adminAuthMiddleware(provider *access.AdminProvider, collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		result, authErr := provider.Authenticate(c.Request.Context(), c.Request)
		switch {
		case authErr == nil && result != nil:
			c.Set("adminVia", result.Metadata["via"])
			c.Next()
		case errors.Is(authErr, access.ErrNoCredentials), errors.Is(authErr, access.ErrInvalidCredential), authErr == nil:
			collector.RecordAuthFailure("admin")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		default:
			log.WithError(authErr).Error("admin auth middleware error")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication service error"})
		}
	}
}
