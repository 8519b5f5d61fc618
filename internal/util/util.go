// Package util holds small helpers shared by logging and configuration code.
package util

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// WritablePath returns the cleaned WRITABLE_PATH (or writable_path) value, or "" when unset.
func WritablePath() string {
	for _, name := range []string{"WRITABLE_PATH", "writable_path"} {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return filepath.Clean(value)
		}
	}
	return ""
}

// HideAPIKey keeps only the edges of a caller token or upstream credential so log lines
// stay correlatable without leaking the secret.
func HideAPIKey(apiKey string) string {
	n := len(apiKey)
	switch {
	case n > 8:
		return apiKey[:4] + "..." + apiKey[n-4:]
	case n > 4:
		return apiKey[:2] + "..." + apiKey[n-2:]
	case n > 2:
		return apiKey[:1] + "..." + apiKey[n-1:]
	default:
		return apiKey
	}
}

// MaskSensitiveQuery masks credential-bearing parameters (the Gemini "key" parameter,
// tokens, secrets) in a raw query string. Other parameters keep their original encoding.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		name, value, _ := strings.Cut(part, "=")
		if !isSensitiveParam(unescape(name)) {
			continue
		}
		parts[i] = name + "=" + url.QueryEscape(HideAPIKey(strings.TrimSpace(unescape(value))))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

func unescape(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}

func isSensitiveParam(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), "[]")
	if name == "" {
		return false
	}
	if name == "key" {
		return true
	}
	for _, marker := range []string{"api-key", "apikey", "api_key", "token", "secret"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
