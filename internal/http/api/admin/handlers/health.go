package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/kv"
)

const healthProbeTimeout = 3 * time.Second

var healthProbeKey = kv.Key("healthz")

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	store kv.Store
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(store kv.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

// Healthz checks store connectivity and returns status.
func (h *HealthHandler) Healthz(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()
	if _, errGet := h.store.Get(ctx, healthProbeKey); errGet != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
