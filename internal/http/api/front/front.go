// Package front registers the public, unauthenticated HTTP API.
package front

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/http/api/front/handlers"
	"github.com/router-for-me/GeminiRelay/internal/redeem"
)

// RegisterFrontRoutes registers public routes.
func RegisterFrontRoutes(r *gin.Engine, rm *redeem.Manager) {
	if r == nil || rm == nil {
		return
	}

	redeemHandler := handlers.NewRedeemHandler(rm)
	r.POST("/api/redeem", redeemHandler.Redeem)
}
