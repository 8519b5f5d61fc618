package models

// RedemptionBatch groups codes generated together with a shared validity.
type RedemptionBatch struct {
	BatchID      string `json:"batchId"`        // "B" + uppercase hex counter value.
	Note         string `json:"note,omitempty"` // Free-form operator note.
	CreatedAt    int64  `json:"createdAt"`      // Epoch ms.
	ValidityDays int    `json:"validityDays"`   // Validity of tokens minted from this batch.
	TotalCodes   int    `json:"totalCodes"`     // Codes generated.
	UsedCodes    int    `json:"usedCodes"`      // Codes redeemed; never exceeds TotalCodes.
}

// RedemptionCode is a single-use code that exchanges for a caller token.
type RedemptionCode struct {
	Code    string `json:"code"`
	BatchID string `json:"batchId"`
	IsUsed  bool   `json:"isUsed"`
	UsedAt  *int64 `json:"usedAt,omitempty"` // Epoch ms.
	UsedBy  string `json:"usedBy,omitempty"` // Caller token minted by the redemption.
}
