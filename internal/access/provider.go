// Package access authenticates callers and admins from request credentials.
package access

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Authentication errors shared by providers.
var (
	// ErrNoCredentials indicates the request carried no credential.
	ErrNoCredentials = errors.New("missing credentials")
	// ErrInvalidCredential indicates the credential was present but rejected.
	ErrInvalidCredential = errors.New("invalid credentials")
)

// Result describes an authenticated principal.
type Result struct {
	Provider  string
	Principal string
	Metadata  map[string]string
}

// Provider authenticates HTTP requests. A nil result with a nil error means the
// request is outside the provider's scope and passes through.
type Provider interface {
	Identifier() string
	Authenticate(ctx context.Context, r *http.Request) (*Result, error)
}

// ExtractOptions controls where a credential is looked up.
type ExtractOptions struct {
	Header       string
	Scheme       string
	AllowXAPIKey bool
	AllowQuery   bool
}

// DefaultExtractOptions covers Bearer auth, X-API-Key, X-Goog-Api-Key and ?key=.
var DefaultExtractOptions = ExtractOptions{
	Header:       "Authorization",
	Scheme:       "Bearer",
	AllowXAPIKey: true,
	AllowQuery:   true,
}

// ExtractToken extracts a credential from headers or query parameters.
func ExtractToken(r *http.Request, opts ExtractOptions) string {
	header := strings.TrimSpace(opts.Header)
	scheme := strings.TrimSpace(opts.Scheme)
	if header == "" {
		header = "Authorization"
	}
	val := strings.TrimSpace(r.Header.Get(header))
	if val != "" && scheme != "" {
		prefix := scheme + " "
		if len(val) > len(prefix) && strings.EqualFold(val[:len(prefix)], prefix) {
			return strings.TrimSpace(val[len(prefix):])
		}
	}
	if val != "" && scheme == "" {
		return val
	}
	if opts.AllowXAPIKey {
		if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
			return v
		}
		if v := strings.TrimSpace(r.Header.Get("X-Goog-Api-Key")); v != "" {
			return v
		}
	}
	if opts.AllowQuery && r.URL != nil {
		if v := strings.TrimSpace(r.URL.Query().Get("key")); v != "" {
			return v
		}
	}
	return ""
}
