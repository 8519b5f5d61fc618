package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/models"
	"github.com/router-for-me/GeminiRelay/internal/pool"
	log "github.com/sirupsen/logrus"
)

// CredentialHandler handles admin operations for pooled upstream credentials.
type CredentialHandler struct {
	pool *pool.Pool
}

// NewCredentialHandler wires a credential handler with the shared pool.
func NewCredentialHandler(p *pool.Pool) *CredentialHandler {
	return &CredentialHandler{pool: p}
}

type createCredentialRequest struct {
	Key     string `json:"key"`
	Account string `json:"account"`
	Note    string `json:"note"`
}

type updateCredentialRequest struct {
	Account *string `json:"account"`
	Note    *string `json:"note"`
	Status  *string `json:"status"`
}

// List returns active and inactive credentials with their records.
func (h *CredentialHandler) List(c *gin.Context) {
	listing, errList := h.pool.List(c.Request.Context())
	if errList != nil {
		respondInternal(c, errList, "list gemini keys failed")
		return
	}
	c.JSON(http.StatusOK, listing)
}

// Stats returns credentials that have recorded errors, most failing first.
func (h *CredentialHandler) Stats(c *gin.Context) {
	stats, errStats := h.pool.ErrorStats(c.Request.Context())
	if errStats != nil {
		respondInternal(c, errStats, "load gemini key stats failed")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Create adds a credential to the active list.
func (h *CredentialHandler) Create(c *gin.Context) {
	var body createCredentialRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	key := strings.TrimSpace(body.Key)
	account := strings.TrimSpace(body.Account)
	if key == "" || account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key and account are required"})
		return
	}

	created, errAdd := h.pool.Add(c.Request.Context(), key, account, strings.TrimSpace(body.Note))
	switch {
	case errors.Is(errAdd, pool.ErrDuplicateCredential):
		c.JSON(http.StatusConflict, gin.H{"error": "Key already exists"})
		return
	case errors.Is(errAdd, pool.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "gemini keys changed concurrently, retry"})
		return
	case errAdd != nil:
		respondInternal(c, errAdd, "add gemini key failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "info": created})
}

// Update changes a credential's descriptive fields and then its status. The
// whole body is validated before anything is written. The two writes are
// separate commits, so a failed status move reports whether the fields were
// already saved. Moving a credential to the list it is already in is a no-op.
func (h *CredentialHandler) Update(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	var body updateCredentialRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	current, found := h.pool.Status(key)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Key not found"})
		return
	}
	target := current
	if body.Status != nil {
		parsed, errStatus := models.ParseCredentialStatus(*body.Status)
		if errStatus != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active or inactive"})
			return
		}
		target = parsed
	}

	ctx := c.Request.Context()
	infoUpdated := false
	patch := models.CredentialPatch{Account: body.Account, Note: body.Note}
	if !patch.Empty() {
		updated, errUpdate := h.pool.UpdateInfo(ctx, key, patch)
		if errors.Is(errUpdate, pool.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "gemini key changed concurrently, retry"})
			return
		}
		if errUpdate != nil {
			respondInternal(c, errUpdate, "update gemini key failed")
			return
		}
		infoUpdated = updated
	}

	if target != current {
		var errMove error
		if target == models.CredentialStatusActive {
			_, errMove = h.pool.Activate(ctx, key)
		} else {
			_, errMove = h.pool.Deactivate(ctx, key)
		}
		if errMove != nil {
			status, message := http.StatusInternalServerError, "change gemini key status failed"
			if errors.Is(errMove, pool.ErrConflict) {
				status, message = http.StatusConflict, "gemini keys changed concurrently, retry"
			} else {
				log.WithError(errMove).WithField("path", c.FullPath()).Error(message)
			}
			c.JSON(status, gin.H{"error": message, "infoUpdated": infoUpdated, "statusUpdated": false})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Delete removes a credential from the pool.
func (h *CredentialHandler) Delete(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	removed, errRemove := h.pool.Remove(c.Request.Context(), key)
	switch {
	case errors.Is(errRemove, pool.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "gemini keys changed concurrently, retry"})
		return
	case errRemove != nil:
		respondInternal(c, errRemove, "delete gemini key failed")
		return
	case !removed:
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
