package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/config"
	"github.com/router-for-me/GeminiRelay/internal/security"
	log "github.com/sirupsen/logrus"
)

// AuthHandler handles admin credential checks and session issuance.
type AuthHandler struct {
	jwtCfg config.JWTConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(jwtCfg config.JWTConfig) *AuthHandler {
	return &AuthHandler{jwtCfg: jwtCfg}
}

// Verify confirms the presented admin credential. When sessions are enabled it
// also returns a signed session token for subsequent calls.
func (h *AuthHandler) Verify(c *gin.Context) {
	if h.jwtCfg.Secret == "" {
		c.JSON(http.StatusOK, gin.H{"valid": true})
		return
	}
	token, expiresAt, errSign := security.GenerateAdminToken(h.jwtCfg.Secret, h.jwtCfg.Expiry)
	if errSign != nil {
		log.WithError(errSign).Error("sign admin session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"token":     token,
		"expiresAt": expiresAt.UnixMilli(),
	})
}
