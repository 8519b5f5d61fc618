package app

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/access"
	"github.com/router-for-me/GeminiRelay/internal/db"
	relayhttp "github.com/router-for-me/GeminiRelay/internal/http"
	"github.com/router-for-me/GeminiRelay/internal/http/api/admin"
	"github.com/router-for-me/GeminiRelay/internal/http/api/admin/handlers"
	"github.com/router-for-me/GeminiRelay/internal/http/api/front"
	"github.com/router-for-me/GeminiRelay/internal/logging"
)

// NewEngine builds the gin engine serving admin, public and relay routes.
func NewEngine(c *Components) *gin.Engine {
	cfg := c.Config
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	engine := gin.New()
	engine.Use(logging.Recovery(), logging.RequestID(), logging.GinLogger(), relayhttp.CORSMiddleware())

	healthHandler := handlers.NewHealthHandler(c.Store)
	engine.GET("/healthz", healthHandler.Healthz)
	if cfg.Metrics.Enabled && c.Metrics != nil {
		engine.GET(cfg.Metrics.Path, gin.WrapH(c.Metrics.Handler()))
	}

	admin.RegisterAdminRoutes(engine, admin.Deps{
		Tokens: c.Tokens,
		Pool:   c.Pool,
		Redeem: c.Redeem,
		Admin: access.NewAdminProvider(access.AdminCredentials{
			Token:     cfg.Admin.Token,
			TokenHash: cfg.Admin.TokenHash,
			JWTSecret: cfg.Admin.JWT.Secret,
		}),
		JWT:        cfg.Admin.JWT,
		DeleteMode: cfg.Tokens.DeleteMode,
		Metrics:    c.Metrics,
	})
	front.RegisterFrontRoutes(engine, c.Redeem)

	callerAuth := relayhttp.AccessAuthMiddleware(access.NewCallerTokenProvider(c.Tokens), c.Metrics)
	engine.NoRoute(relayGate(c), callerAuth, c.Relay.Handle)
	return engine
}

// relayGate lets only relay traffic reach caller authentication and the proxy.
func relayGate(c *Components) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if isAPIRoute(ctx.Request.URL.Path) || !c.Relay.Matches(ctx.Request) {
			ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Not Found"})
			return
		}
		ctx.Next()
	}
}

// isAPIRoute reports whether a path belongs to the relay's own API.
func isAPIRoute(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}

// dsnKind names the store backend without exposing credentials embedded in the DSN.
func dsnKind(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return "redis"
	case strings.HasPrefix(lower, "memory://"):
		return "memory"
	}
	dialect, errDetect := db.DetectDialect(dsn)
	if errDetect != nil {
		return "unknown"
	}
	return string(dialect)
}
