package kv

import (
	"net/url"
	"strings"
)

// Separator joins key segments.
const Separator = "/"

// Key joins path-escaped segments into a storage key.
func Key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = url.PathEscape(part)
	}
	return strings.Join(escaped, Separator)
}

// Prefix returns the key prefix that matches every child of the given segments.
func Prefix(parts ...string) string {
	return Key(parts...) + Separator
}

// Parts splits a storage key back into unescaped segments.
func Parts(key string) []string {
	raw := strings.Split(key, Separator)
	out := make([]string, len(raw))
	for i, part := range raw {
		unescaped, errUnescape := url.PathUnescape(part)
		if errUnescape != nil {
			unescaped = part
		}
		out[i] = unescaped
	}
	return out
}

// Last returns the final unescaped segment of a key.
func Last(key string) string {
	parts := Parts(key)
	return parts[len(parts)-1]
}
