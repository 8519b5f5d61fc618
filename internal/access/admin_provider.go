package access

import (
	"context"
	"net/http"

	"github.com/router-for-me/GeminiRelay/internal/security"
)

// ProviderTypeAdmin identifies the admin credential provider.
const ProviderTypeAdmin = "admin"

// AdminCredentials configures which bearer values are accepted as admin.
type AdminCredentials struct {
	// Token is compared in constant time.
	Token string
	// TokenHash is a bcrypt hash; when set it replaces Token.
	TokenHash string
	// JWTSecret enables session tokens issued by the verify endpoint.
	JWTSecret string
}

// AdminProvider authenticates admin API requests.
type AdminProvider struct {
	creds AdminCredentials
}

// NewAdminProvider builds an AdminProvider.
func NewAdminProvider(creds AdminCredentials) *AdminProvider {
	return &AdminProvider{creds: creds}
}

// Identifier returns the provider name.
func (p *AdminProvider) Identifier() string { return ProviderTypeAdmin }

// Authenticate accepts the admin token or a valid admin session JWT.
func (p *AdminProvider) Authenticate(_ context.Context, r *http.Request) (*Result, error) {
	if p == nil || r == nil {
		return nil, nil
	}
	token := ExtractToken(r, ExtractOptions{Header: "Authorization", Scheme: "Bearer"})
	if token == "" {
		return nil, ErrNoCredentials
	}
	if p.MatchesAdminToken(token) {
		return &Result{Provider: ProviderTypeAdmin, Principal: "admin", Metadata: map[string]string{"via": "token"}}, nil
	}
	if p.creds.JWTSecret != "" {
		if _, errParse := security.ParseAdminToken(p.creds.JWTSecret, token); errParse == nil {
			return &Result{Provider: ProviderTypeAdmin, Principal: "admin", Metadata: map[string]string{"via": "session"}}, nil
		}
	}
	return nil, ErrInvalidCredential
}

// MatchesAdminToken reports whether token is the configured admin token itself.
func (p *AdminProvider) MatchesAdminToken(token string) bool {
	if p == nil || token == "" {
		return false
	}
	if p.creds.TokenHash != "" {
		return security.CheckSecretHash(p.creds.TokenHash, token)
	}
	return security.SecretMatches(p.creds.Token, token)
}
