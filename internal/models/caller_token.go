package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DayMillis is the length of one validity day in epoch milliseconds.
const DayMillis int64 = 24 * 60 * 60 * 1000

// TokenSource records how a caller token was issued.
type TokenSource string

const (
	// TokenSourceAdminManual marks tokens created by an operator through the CLI.
	TokenSourceAdminManual TokenSource = "admin_manual"
	// TokenSourceAdminAPI marks tokens created through the admin HTTP API.
	TokenSourceAdminAPI TokenSource = "admin_api"
	// TokenSourceCodeExchange marks tokens minted by redeeming a code.
	TokenSourceCodeExchange TokenSource = "code_exchange"
)

// Valid reports whether s is one of the known sources.
func (s TokenSource) Valid() bool {
	switch s {
	case TokenSourceAdminManual, TokenSourceAdminAPI, TokenSourceCodeExchange:
		return true
	default:
		return false
	}
}

// ParseTokenSource converts a raw string into a TokenSource.
func ParseTokenSource(raw string) (TokenSource, error) {
	s := TokenSource(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", fmt.Errorf("models: unknown token source %q", raw)
	}
	return s, nil
}

// UnmarshalJSON rejects unknown sources.
func (s *TokenSource) UnmarshalJSON(data []byte) error {
	var raw string
	if errUnmarshal := json.Unmarshal(data, &raw); errUnmarshal != nil {
		return errUnmarshal
	}
	parsed, errParse := ParseTokenSource(raw)
	if errParse != nil {
		return errParse
	}
	*s = parsed
	return nil
}

// CallerToken is the stored record of a caller token. The token value itself is the storage key.
type CallerToken struct {
	CreatedAt int64       `json:"createdAt"`      // Issue time, epoch ms.
	ExpiresAt int64       `json:"expiresAt"`      // Expiry time, epoch ms.
	Active    bool        `json:"active"`         // Manual revocation flag.
	Source    TokenSource `json:"source"`         // Issuing path.
	Note      string      `json:"note,omitempty"` // Free-form operator note.
}

// Usable reports whether the token may be used at nowMs.
func (t CallerToken) Usable(nowMs int64) bool {
	return t.Active && nowMs < t.ExpiresAt
}

// CallerTokenPatch lists the mutable fields of a caller token. Nil fields are left untouched.
type CallerTokenPatch struct {
	Note       *string `json:"note,omitempty"`
	ExpiryDays *int    `json:"expiryDays,omitempty"` // Delta added to ExpiresAt; may be negative.
	Active     *bool   `json:"active,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CallerTokenPatch) Empty() bool {
	return p.Note == nil && p.ExpiryDays == nil && p.Active == nil
}

// Apply returns a copy of t with the patch merged in. The expiry never moves before CreatedAt.
func (t CallerToken) Apply(p CallerTokenPatch) CallerToken {
	out := t
	if p.Note != nil {
		out.Note = *p.Note
	}
	if p.Active != nil {
		out.Active = *p.Active
	}
	if p.ExpiryDays != nil {
		out.ExpiresAt += int64(*p.ExpiryDays) * DayMillis
		if out.ExpiresAt < out.CreatedAt {
			out.ExpiresAt = out.CreatedAt
		}
	}
	return out
}
