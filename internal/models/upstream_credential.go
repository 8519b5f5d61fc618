package models

import (
	"fmt"
	"strings"
)

// CredentialStatus reports which pool list a credential belongs to.
type CredentialStatus string

const (
	// CredentialStatusActive marks credentials eligible for rotation.
	CredentialStatusActive CredentialStatus = "active"
	// CredentialStatusInactive marks parked credentials.
	CredentialStatusInactive CredentialStatus = "inactive"
)

// ParseCredentialStatus converts a raw string into a CredentialStatus.
func ParseCredentialStatus(raw string) (CredentialStatus, error) {
	switch CredentialStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case CredentialStatusActive:
		return CredentialStatusActive, nil
	case CredentialStatusInactive:
		return CredentialStatusInactive, nil
	default:
		return "", fmt.Errorf("models: unknown credential status %q", raw)
	}
}

// UpstreamCredential is the detail record of one pooled upstream API key.
type UpstreamCredential struct {
	Key         string `json:"key"`                   // Upstream API key.
	Account     string `json:"account"`               // Owning account label.
	ErrorCount  int64  `json:"errorCount"`            // Cumulative upstream failures.
	LastErrorAt *int64 `json:"lastErrorAt,omitempty"` // Last failure, epoch ms.
	Note        string `json:"note,omitempty"`        // Free-form operator note.
	CreatedAt   int64  `json:"createdAt"`             // Epoch ms.
	UpdatedAt   int64  `json:"updatedAt"`             // Epoch ms.
}

// CredentialPatch lists the mutable descriptive fields of a credential.
type CredentialPatch struct {
	Account *string `json:"account,omitempty"`
	Note    *string `json:"note,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CredentialPatch) Empty() bool {
	return p.Account == nil && p.Note == nil
}

// Apply returns a copy of c with the patch merged in. A blank account is ignored.
func (c UpstreamCredential) Apply(p CredentialPatch, nowMs int64) UpstreamCredential {
	out := c
	if p.Account != nil {
		if account := strings.TrimSpace(*p.Account); account != "" {
			out.Account = account
		}
	}
	if p.Note != nil {
		out.Note = *p.Note
	}
	out.UpdatedAt = nowMs
	return out
}

// CredentialView pairs a credential with its pool status for listings.
type CredentialView struct {
	UpstreamCredential
	Status CredentialStatus `json:"status"`
}
