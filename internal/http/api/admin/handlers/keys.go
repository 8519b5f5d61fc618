package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/config"
	"github.com/router-for-me/GeminiRelay/internal/models"
	"github.com/router-for-me/GeminiRelay/internal/tokens"
)

// CallerTokenHandler handles admin operations for caller tokens.
type CallerTokenHandler struct {
	tokens     *tokens.Manager
	deleteMode string
}

// NewCallerTokenHandler wires a caller token handler. deleteMode is config.DeleteModeHard or config.DeleteModeSoft.
func NewCallerTokenHandler(tm *tokens.Manager, deleteMode string) *CallerTokenHandler {
	return &CallerTokenHandler{tokens: tm, deleteMode: deleteMode}
}

type createCallerTokenRequest struct {
	ValidityDays *int   `json:"validityDays"`
	Note         string `json:"note"`
}

// Create issues a caller token.
func (h *CallerTokenHandler) Create(c *gin.Context) {
	var body createCallerTokenRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if body.ValidityDays == nil || *body.ValidityDays <= 0 || *body.ValidityDays > tokens.MaxValidityDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid validityDays parameter"})
		return
	}

	token, _, errCreate := h.tokens.Create(c.Request.Context(), *body.ValidityDays, models.TokenSourceAdminAPI, strings.TrimSpace(body.Note))
	if errCreate != nil {
		respondInternal(c, errCreate, "create key failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":       token,
		"expiresIn": fmt.Sprintf("%d days", *body.ValidityDays),
	})
}

// List returns every caller token with its record.
func (h *CallerTokenHandler) List(c *gin.Context) {
	listed, errList := h.tokens.List(c.Request.Context())
	if errList != nil {
		respondInternal(c, errList, "list keys failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(listed), "keys": listed})
}

// Update merges note, expiry delta and active flag into a caller token.
func (h *CallerTokenHandler) Update(c *gin.Context) {
	token := strings.TrimSpace(c.Param("key"))
	var patch models.CallerTokenPatch
	if errBind := c.ShouldBindJSON(&patch); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if patch.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	if patch.ExpiryDays != nil && !tokens.ValidExpiryDelta(*patch.ExpiryDays) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid expiryDays parameter"})
		return
	}

	found, errUpdate := h.tokens.Update(c.Request.Context(), token, patch)
	switch {
	case errors.Is(errUpdate, tokens.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "key changed concurrently, retry"})
		return
	case errUpdate != nil:
		respondInternal(c, errUpdate, "update key failed")
		return
	case !found:
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Delete removes a caller token, or deactivates it in soft delete mode.
func (h *CallerTokenHandler) Delete(c *gin.Context) {
	token := strings.TrimSpace(c.Param("key"))

	var (
		found     bool
		errDelete error
		message   = "Key deleted successfully"
	)
	if h.deleteMode == config.DeleteModeSoft {
		found, errDelete = h.tokens.Deactivate(c.Request.Context(), token)
		message = "Key deactivated successfully"
	} else {
		found, errDelete = h.tokens.Delete(c.Request.Context(), token)
	}
	switch {
	case errors.Is(errDelete, tokens.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "key changed concurrently, retry"})
		return
	case errDelete != nil:
		respondInternal(c, errDelete, "delete key failed")
		return
	case !found:
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}
