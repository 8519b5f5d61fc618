package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/config"
)

const testAdminToken = "app-admin-token"

type upstreamCapture struct {
	calls         atomic.Int32
	authorization atomic.Value
	path          atomic.Value
}

func setupApp(t *testing.T) (*Components, *gin.Engine, *upstreamCapture) {
	t.Helper()
	capture := &upstreamCapture{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.calls.Add(1)
		capture.authorization.Store(r.Header.Get("Authorization"))
		capture.path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
	}))
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.GinMode = gin.TestMode
	cfg.Store.DSN = "memory://"
	cfg.Admin.Token = testAdminToken
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Upstream.WebSocketURL = "ws" + strings.TrimPrefix(upstream.URL, "http")

	components, errBuild := Build(context.Background(), cfg)
	if errBuild != nil {
		t.Fatalf("build: %v", errBuild)
	}
	t.Cleanup(func() { _ = components.Store.Close() })
	return components, NewEngine(components), capture
}

func do(t *testing.T, engine *gin.Engine, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)
	return recorder
}

func TestEndToEndRelayWithIssuedToken(t *testing.T) {
	_, engine, capture := setupApp(t)

	if recorder := do(t, engine, http.MethodPost, "/api/admin/gemini-keys", testAdminToken, `{"key":"upstream-one","account":"acct-1"}`); recorder.Code != http.StatusOK {
		t.Fatalf("add credential: %d %s", recorder.Code, recorder.Body.String())
	}
	recorder := do(t, engine, http.MethodPost, "/api/admin/keys", testAdminToken, `{"validityDays":1}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("create caller token: %d %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		Key string `json:"key"`
	}
	if errDecode := json.Unmarshal(recorder.Body.Bytes(), &created); errDecode != nil || created.Key == "" {
		t.Fatalf("decode created token %q: %v", recorder.Body.String(), errDecode)
	}

	recorder = do(t, engine, http.MethodGet, "/v1/models", created.Key, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("relay: %d %s", recorder.Code, recorder.Body.String())
	}
	if got := capture.authorization.Load(); got != "Bearer upstream-one" {
		t.Fatalf("upstream authorization = %v", got)
	}
	if got := capture.path.Load(); got != "/v1beta/openai/models" {
		t.Fatalf("upstream path = %v", got)
	}
}

func TestRelayRejectsUnknownCallerToken(t *testing.T) {
	_, engine, capture := setupApp(t)

	if recorder := do(t, engine, http.MethodPost, "/v1/chat/completions", "", `{}`); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if recorder := do(t, engine, http.MethodPost, "/v1/chat/completions", "not-a-token", `{}`); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unknown token, got %d", recorder.Code)
	}
	if capture.calls.Load() != 0 {
		t.Fatalf("upstream must not be reached")
	}
}

func TestUnmatchedPathsAreNotRelayed(t *testing.T) {
	_, engine, capture := setupApp(t)

	for _, path := range []string{"/", "/index.html", "/api/unknown", "/v1/files"} {
		if recorder := do(t, engine, http.MethodGet, path, "", ""); recorder.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, recorder.Code)
		}
	}
	if capture.calls.Load() != 0 {
		t.Fatalf("upstream must not be reached")
	}
}

func TestPublicRedeemIssuesWorkingToken(t *testing.T) {
	components, engine, _ := setupApp(t)
	ctx := context.Background()

	if _, errAdd := components.Pool.Add(ctx, "upstream-one", "acct-1", ""); errAdd != nil {
		t.Fatalf("add credential: %v", errAdd)
	}
	batch, errBatch := components.Redeem.CreateBatch(ctx, 7, 1, "promo")
	if errBatch != nil {
		t.Fatalf("create batch: %v", errBatch)
	}
	codes, errCodes := components.Redeem.ListCodes(ctx, batch.BatchID)
	if errCodes != nil || len(codes) != 1 {
		t.Fatalf("list codes: %v (%d codes)", errCodes, len(codes))
	}
	recorder := do(t, engine, http.MethodPost, "/api/redeem", "", `{"code":"`+codes[0].Code+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("redeem: %d %s", recorder.Code, recorder.Body.String())
	}
	var redeemed struct {
		APIKey string `json:"apiKey"`
	}
	if errDecode := json.Unmarshal(recorder.Body.Bytes(), &redeemed); errDecode != nil || redeemed.APIKey == "" {
		t.Fatalf("decode redeem %q: %v", recorder.Body.String(), errDecode)
	}
	if recorder = do(t, engine, http.MethodGet, "/v1beta/openai/models", redeemed.APIKey, ""); recorder.Code != http.StatusOK {
		t.Fatalf("relay with redeemed token: %d", recorder.Code)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, engine, _ := setupApp(t)

	if recorder := do(t, engine, http.MethodGet, "/healthz", "", ""); recorder.Code != http.StatusOK {
		t.Fatalf("healthz: %d", recorder.Code)
	}
	recorder := do(t, engine, http.MethodGet, "/metrics", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("metrics: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "gemini_relay_pool_credentials") {
		t.Fatalf("metrics output missing pool gauge")
	}
}

func TestDSNKind(t *testing.T) {
	cases := map[string]string{
		"redis://localhost:6379/0":        "redis",
		"memory://":                       "memory",
		"postgres://u:p@db/relay":         "postgres",
		"host=db user=relay dbname=relay": "postgres",
		"data/relay.db":                   "sqlite",
		"mysql://root@db/relay":           "unknown",
	}
	for dsn, want := range cases {
		if got := dsnKind(dsn); got != want {
			t.Fatalf("dsnKind(%q) = %q, want %q", dsn, got, want)
		}
	}
}
