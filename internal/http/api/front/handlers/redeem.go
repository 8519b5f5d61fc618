package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/redeem"
	log "github.com/sirupsen/logrus"
)

// RedeemHandler exchanges redemption codes for caller tokens.
type RedeemHandler struct {
	redeem *redeem.Manager
}

// NewRedeemHandler constructs a RedeemHandler.
func NewRedeemHandler(rm *redeem.Manager) *RedeemHandler {
	return &RedeemHandler{redeem: rm}
}

// redeemRequest defines the request body for code redemption.
type redeemRequest struct {
	Code    string `json:"code"`
	BatchID string `json:"batchId"`
}

// Redeem exchanges a code for a caller token. The batch id is optional.
func (h *RedeemHandler) Redeem(c *gin.Context) {
	var body redeemRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	code := strings.TrimSpace(body.Code)
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	var (
		result    redeem.Result
		errRedeem error
	)
	if batchID := strings.TrimSpace(body.BatchID); batchID != "" {
		result, errRedeem = h.redeem.Redeem(c.Request.Context(), batchID, code)
	} else {
		result, errRedeem = h.redeem.RedeemCode(c.Request.Context(), code)
	}
	switch {
	case errors.Is(errRedeem, redeem.ErrCodeNotFound), errors.Is(errRedeem, redeem.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid redeem code"})
		return
	case errors.Is(errRedeem, redeem.ErrCodeAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "Redeem code already used"})
		return
	case errors.Is(errRedeem, redeem.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Redeem code is being used, retry"})
		return
	case errRedeem != nil:
		log.WithError(errRedeem).Error("redeem code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "redeem failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"apiKey":       result.Token,
		"validityDays": result.ValidityDays,
		"expiresAt":    result.ExpiresAt,
	})
}
