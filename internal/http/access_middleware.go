package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/access"
	"github.com/router-for-me/GeminiRelay/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Context keys set by AccessAuthMiddleware.
const (
	ContextKeyPrincipal = "accessPrincipal"
	ContextKeyProvider  = "accessProvider"
	ContextKeyMetadata  = "accessMetadata"
)

// AccessAuthMiddleware authenticates requests with provider and injects access metadata.
// Rejections are counted on collector, which may be nil.
func AccessAuthMiddleware(provider access.Provider, collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		if provider == nil {
			c.Next()
			return
		}

		result, authErr := provider.Authenticate(c.Request.Context(), c.Request)
		if authErr == nil {
			if result != nil {
				c.Set(ContextKeyPrincipal, result.Principal)
				c.Set(ContextKeyProvider, result.Provider)
				if len(result.Metadata) > 0 {
					c.Set(ContextKeyMetadata, result.Metadata)
				}
			}
			c.Next()
			return
		}

		switch {
		case errors.Is(authErr, access.ErrNoCredentials):
			collector.RecordAuthFailure("missing")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
		case errors.Is(authErr, access.ErrInvalidCredential):
			collector.RecordAuthFailure("invalid")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		default:
			collector.RecordAuthFailure("error")
			log.WithError(authErr).WithField("provider", provider.Identifier()).Error("access auth middleware error")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication service error"})
		}
	}
}

// CORSMiddleware adds wildcard CORS headers to every response and answers preflights.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "*")
		header.Set("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
