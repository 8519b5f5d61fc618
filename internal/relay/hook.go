package relay

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

// logOutcome logs a forwarded request with severity derived from its status code.
func logOutcome(entry *log.Entry, statusCode int) {
	entry = entry.WithField("status_code", statusCode)

	switch {
	case statusCode == statusClientClosed:
		entry.Debug("caller closed the request")
	case statusCode < http.StatusBadRequest:
		entry.Debug("request succeeded")
	case statusCode == http.StatusUnauthorized:
		entry.Warn("unauthorized: upstream credential may be invalid or revoked")
	case statusCode == http.StatusForbidden:
		entry.Warn("forbidden: upstream denied the credential")
	case statusCode == http.StatusTooManyRequests:
		entry.Warn("rate limited: upstream quota exhausted for the credential")
	case statusCode == http.StatusInternalServerError:
		entry.Error("internal server error from upstream")
	case statusCode == http.StatusBadGateway:
		entry.Error("bad gateway from upstream")
	case statusCode == http.StatusServiceUnavailable:
		entry.Error("service unavailable from upstream")
	case statusCode < http.StatusInternalServerError:
		entry.Warn("client error from upstream")
	default:
		entry.Error("server error from upstream")
	}
}
