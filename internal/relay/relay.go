// Package relay forwards caller requests upstream with pooled credentials.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/router-for-me/GeminiRelay/internal/config"
	"github.com/router-for-me/GeminiRelay/internal/metrics"
	"github.com/router-for-me/GeminiRelay/internal/pool"
	"github.com/router-for-me/GeminiRelay/internal/util"
	log "github.com/sirupsen/logrus"
)

// CredentialSource hands out upstream credentials and takes failure reports.
type CredentialSource interface {
	Next() (string, error)
	RecordError(ctx context.Context, key string) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithMetrics reports forwarded requests to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Relay) { r.metrics = c }
}

// WithTransport overrides the upstream HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Relay) { r.proxy.Transport = rt }
}

// Relay proxies HTTP and WebSocket traffic to the upstream API.
type Relay struct {
	credentials CredentialSource
	metrics     *metrics.Collector

	baseURL        *url.URL
	websocketURL   *url.URL
	pathPrefix     string
	suffixes       []string
	requestTimeout time.Duration

	proxy    *httputil.ReverseProxy
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
}

// attempt carries one forwarded request's credential and outcome through the proxy.
type attempt struct {
	credential string
	status     int
	failed     bool
	canceled   bool
	aborted    bool
}

type attemptKey struct{}

// statusClientClosed marks requests abandoned by the caller before upstream replied.
const statusClientClosed = 499

// New builds a Relay for cfg drawing credentials from credentials.
func New(cfg config.UpstreamConfig, credentials CredentialSource, opts ...Option) (*Relay, error) {
	if credentials == nil {
		return nil, errors.New("relay: nil credential source")
	}
	baseURL, errBase := url.Parse(cfg.BaseURL)
	if errBase != nil {
		return nil, fmt.Errorf("relay: parse base url: %w", errBase)
	}
	websocketURL, errWS := url.Parse(cfg.WebSocketURL)
	if errWS != nil {
		return nil, fmt.Errorf("relay: parse websocket url: %w", errWS)
	}
	r := &Relay{
		credentials:    credentials,
		baseURL:        baseURL,
		websocketURL:   websocketURL,
		pathPrefix:     strings.TrimRight(cfg.PathPrefix, "/"),
		suffixes:       cfg.Suffixes,
		requestTimeout: cfg.RequestTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r.proxy = &httputil.ReverseProxy{
		Director:       r.direct,
		ModifyResponse: r.modifyResponse,
		ErrorHandler:   r.handleProxyError,
		FlushInterval:  -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Matches reports whether req is relay traffic: a WebSocket upgrade or a recognized API suffix.
func (r *Relay) Matches(req *http.Request) bool {
	if websocket.IsWebSocketUpgrade(req) {
		return true
	}
	return r.route(req.URL.Path) != ""
}

func (r *Relay) route(path string) string {
	for _, suffix := range r.suffixes {
		if suffix != "" && strings.HasSuffix(path, suffix) {
			return suffix
		}
	}
	return ""
}

// Handle serves a relay request. Callers are expected to be authenticated already.
func (r *Relay) Handle(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		r.serveWebSocket(c)
		return
	}
	r.serveHTTP(c)
}

func (r *Relay) nextCredential(c *gin.Context) (string, bool) {
	credential, errNext := r.credentials.Next()
	if errNext == nil {
		return credential, true
	}
	if errors.Is(errNext, pool.ErrPoolExhausted) {
		log.Error("no active upstream credential available")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No active upstream credential available"})
		return "", false
	}
	log.WithError(errNext).Error("select upstream credential")
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Upstream credential pool unavailable"})
	return "", false
}

func (r *Relay) serveHTTP(c *gin.Context) {
	start := time.Now()
	route := r.route(c.Request.URL.Path)
	if route == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}
	credential, ok := r.nextCredential(c)
	if !ok {
		r.metrics.RecordRequest(route, c.Writer.Status(), time.Since(start))
		return
	}

	ctx := c.Request.Context()
	if r.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
	}
	at := &attempt{credential: credential}
	ctx = context.WithValue(ctx, attemptKey{}, at)

	// ReverseProxy panics with http.ErrAbortHandler when a response body breaks
	// off after the headers went out.
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		at.aborted = true
		at.canceled = c.Request.Context().Err() != nil
		r.finish(c.Request.Context(), route, start, at)
		panic(recovered)
	}()
	r.proxy.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	r.finish(c.Request.Context(), route, start, at)
}

// finish reports the outcome of one forwarded request.
func (r *Relay) finish(ctx context.Context, route string, start time.Time, at *attempt) {
	status := at.status
	switch {
	case at.canceled:
		status = statusClientClosed
	case at.aborted:
		status = http.StatusBadGateway
	case at.failed:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusBadRequest && status != statusClientClosed {
		r.recordError(ctx, at.credential)
	}
	logOutcome(log.WithFields(log.Fields{
		"route":      route,
		"credential": util.HideAPIKey(at.credential),
		"aborted":    at.aborted,
	}), status)
	r.metrics.RecordRequest(route, status, time.Since(start))
}

func (r *Relay) direct(req *http.Request) {
	at, _ := req.Context().Value(attemptKey{}).(*attempt)

	req.URL.Scheme = r.baseURL.Scheme
	req.URL.Host = r.baseURL.Host
	req.Host = r.baseURL.Host
	req.URL.Path = strings.TrimRight(r.baseURL.Path, "/") + r.upstreamPath(req.URL.Path)
	req.URL.RawPath = ""
	req.URL.RawQuery = stripCallerKey(req.URL.Query())

	req.Header.Del("X-API-Key")
	req.Header.Del("X-Goog-Api-Key")
	req.Header.Del("Authorization")
	if at != nil {
		req.Header.Set("Authorization", "Bearer "+at.credential)
	}
}

// upstreamPath maps a caller path onto the upstream path prefix: "/v1/x" and "/x"
// both become prefix+"/x"; paths already under prefix are kept.
func (r *Relay) upstreamPath(path string) string {
	if r.pathPrefix == "" || hasPathPrefix(path, r.pathPrefix) {
		return path
	}
	if hasPathPrefix(path, "/v1") {
		return r.pathPrefix + strings.TrimPrefix(path, "/v1")
	}
	return r.pathPrefix + path
}

func (r *Relay) modifyResponse(resp *http.Response) error {
	if at, ok := resp.Request.Context().Value(attemptKey{}).(*attempt); ok {
		at.status = resp.StatusCode
	}
	return nil
}

func (r *Relay) handleProxyError(w http.ResponseWriter, req *http.Request, errProxy error) {
	at, _ := req.Context().Value(attemptKey{}).(*attempt)
	if at != nil {
		at.failed = true
		at.canceled = errors.Is(errProxy, context.Canceled)
	}
	if errors.Is(errProxy, context.Canceled) {
		log.WithField("path", req.URL.Path).Debug("caller went away before upstream replied")
		return
	}
	log.WithError(errProxy).WithField("path", req.URL.Path).Error("upstream request failed")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":"Upstream request failed"}`))
}

// recordError reports a failure against credential even when the caller already left.
func (r *Relay) recordError(ctx context.Context, credential string) {
	if errRecord := r.credentials.RecordError(context.WithoutCancel(ctx), credential); errRecord != nil {
		log.WithError(errRecord).WithField("credential", util.HideAPIKey(credential)).Warn("record upstream error")
	}
}

func stripCallerKey(query url.Values) string {
	query.Del("key")
	return query.Encode()
}

// hasPathPrefix checks a prefix match on a path boundary.
func hasPathPrefix(path string, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/'
}
