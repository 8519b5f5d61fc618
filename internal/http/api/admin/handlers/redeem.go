package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/redeem"
	"github.com/router-for-me/GeminiRelay/internal/tokens"
)

// RedeemBatchHandler handles admin operations for redemption batches.
type RedeemBatchHandler struct {
	redeem *redeem.Manager
}

// NewRedeemBatchHandler wires a redemption batch handler.
func NewRedeemBatchHandler(rm *redeem.Manager) *RedeemBatchHandler {
	return &RedeemBatchHandler{redeem: rm}
}

type createBatchRequest struct {
	ValidityDays *int   `json:"validityDays"`
	Count        *int   `json:"count"`
	Note         string `json:"note"`
}

// Create generates a batch of single-use codes.
func (h *RedeemBatchHandler) Create(c *gin.Context) {
	var body createBatchRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if body.ValidityDays == nil || body.Count == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validityDays and count are required"})
		return
	}

	batch, errCreate := h.redeem.CreateBatch(c.Request.Context(), *body.ValidityDays, *body.Count, strings.TrimSpace(body.Note))
	switch {
	case errors.Is(errCreate, tokens.ErrInvalidValidity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid validityDays parameter"})
		return
	case errors.Is(errCreate, redeem.ErrInvalidCount):
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("count must be between 1 and %d", h.redeem.MaxBatchSize())})
		return
	case errors.Is(errCreate, redeem.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "batch id already taken, retry"})
		return
	case errCreate != nil:
		respondInternal(c, errCreate, "create redeem batch failed")
		return
	}
	c.JSON(http.StatusOK, batch)
}

// List returns every batch in creation order.
func (h *RedeemBatchHandler) List(c *gin.Context) {
	batches, errList := h.redeem.ListBatches(c.Request.Context())
	if errList != nil {
		respondInternal(c, errList, "list redeem batches failed")
		return
	}
	c.JSON(http.StatusOK, batches)
}

// Codes returns the codes of one batch.
func (h *RedeemBatchHandler) Codes(c *gin.Context) {
	codes, errList := h.redeem.ListCodes(c.Request.Context(), strings.TrimSpace(c.Param("batchId")))
	switch {
	case errors.Is(errList, redeem.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
		return
	case errList != nil:
		respondInternal(c, errList, "list redeem codes failed")
		return
	}
	c.JSON(http.StatusOK, codes)
}

// Delete removes a batch whose codes are all unused.
func (h *RedeemBatchHandler) Delete(c *gin.Context) {
	errDelete := h.redeem.DeleteBatch(c.Request.Context(), strings.TrimSpace(c.Param("batchId")))
	switch {
	case errors.Is(errDelete, redeem.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Batch not found"})
		return
	case errors.Is(errDelete, redeem.ErrBatchInUse):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "Cannot delete a batch with used codes"})
		return
	case errors.Is(errDelete, redeem.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "Batch changed concurrently, retry"})
		return
	case errDelete != nil:
		respondInternal(c, errDelete, "delete redeem batch failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Batch deleted successfully"})
}
