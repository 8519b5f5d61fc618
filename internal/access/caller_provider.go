package access

import (
	"context"
	"fmt"
	"net/http"

	"github.com/router-for-me/GeminiRelay/internal/util"
)

// ProviderTypeCallerToken identifies the caller token provider.
const ProviderTypeCallerToken = "caller-token"

// TokenValidator decides whether a caller token may use the relay.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (bool, error)
}

// CallerTokenProvider authenticates relay requests with caller tokens.
type CallerTokenProvider struct {
	validator TokenValidator
	name      string
	extract   ExtractOptions
}

// NewCallerTokenProvider builds a provider over validator.
func NewCallerTokenProvider(validator TokenValidator) *CallerTokenProvider {
	return &CallerTokenProvider{
		validator: validator,
		name:      ProviderTypeCallerToken,
		extract:   DefaultExtractOptions,
	}
}

// Identifier returns the provider name.
func (p *CallerTokenProvider) Identifier() string { return p.name }

// Authenticate validates the caller token of r.
func (p *CallerTokenProvider) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	if p == nil || p.validator == nil || r == nil {
		return nil, nil
	}
	token := ExtractToken(r, p.extract)
	if token == "" {
		return nil, ErrNoCredentials
	}
	ok, errValidate := p.validator.Validate(ctx, token)
	if errValidate != nil {
		return nil, fmt.Errorf("caller token provider: validate failed: %w", errValidate)
	}
	if !ok {
		return nil, ErrInvalidCredential
	}
	return &Result{
		Provider:  p.name,
		Principal: token,
		Metadata:  map[string]string{"token": util.HideAPIKey(token)},
	}, nil
}
