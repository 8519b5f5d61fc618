package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/buildinfo"
)

// VersionHandler reports build metadata and uptime.
type VersionHandler struct {
	startedAt time.Time
}

// NewVersionHandler constructs a VersionHandler; uptime counts from this call.
func NewVersionHandler() *VersionHandler {
	return &VersionHandler{startedAt: time.Now()}
}

// GetVersion returns the running build's version.
func (h *VersionHandler) GetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":       buildinfo.Version,
		"commit":        buildinfo.Commit,
		"buildDate":     buildinfo.BuildDate,
		"goVersion":     runtime.Version(),
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
