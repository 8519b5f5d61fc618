package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/GeminiRelay/internal/access"
	"github.com/router-for-me/GeminiRelay/internal/config"
	"github.com/router-for-me/GeminiRelay/internal/kv"
	"github.com/router-for-me/GeminiRelay/internal/models"
	"github.com/router-for-me/GeminiRelay/internal/pool"
	"github.com/router-for-me/GeminiRelay/internal/redeem"
	"github.com/router-for-me/GeminiRelay/internal/tokens"
)

const testAdminToken = "test-admin-token"

type adminFixture struct {
	router *gin.Engine
	tokens *tokens.Manager
	pool   *pool.Pool
	redeem *redeem.Manager
	store  kv.Store
}

func setupAdmin(t *testing.T, deleteMode string) *adminFixture {
	t.Helper()
	store := kv.NewMemoryStore()
	tm := tokens.New(store)
	p := pool.New(store)
	if errInit := p.Init(context.Background()); errInit != nil {
		t.Fatalf("init pool: %v", errInit)
	}
	rm := redeem.New(store, tm)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterAdminRoutes(router, Deps{
		Tokens:     tm,
		Pool:       p,
		Redeem:     rm,
		Admin:      access.NewAdminProvider(access.AdminCredentials{Token: testAdminToken, JWTSecret: "jwt-secret"}),
		JWT:        config.JWTConfig{Secret: "jwt-secret", Expiry: time.Hour},
		DeleteMode: deleteMode,
	})
	return &adminFixture{router: router, tokens: tm, pool: p, redeem: rm, store: store}
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return f.doAs(t, testAdminToken, method, path, body)
}

func (f *adminFixture) doAs(t *testing.T, bearer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if errDecode := json.Unmarshal(recorder.Body.Bytes(), dst); errDecode != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), errDecode)
	}
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	f := setupAdmin(t, config.DeleteModeHard)

	if recorder := f.doAs(t, "", http.MethodGet, "/api/admin/keys", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if recorder := f.doAs(t, "wrong", http.MethodGet, "/api/admin/gemini-keys", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", recorder.Code)
	}
}

func TestVerifyIssuesUsableSession(t *testing.T) {
	f := setupAdmin(t, config.DeleteModeHard)

	recorder := f.do(t, http.MethodPost, "/api/admin/verify", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		Valid bool   `json:"valid"`
		Token string `json:"token"`
	}
	decodeBody(t, recorder, &payload)
	if !payload.Valid || payload.Token == "" {
		t.Fatalf("unexpected verify payload %+v", payload)
	}

	if recorder = f.doAs(t, payload.Token, http.MethodGet, "/api/admin/keys", ""); recorder.Code != http.StatusOK {
		t.Fatalf("session token should authenticate, got %d", recorder.Code)
	}
}

func TestCallerTokenLifecycle(t *testing.T) {
	f := setupAdmin(t, config.DeleteModeHard)
	ctx := context.Background()

	for _, body := range []string{`{}`, `{"validityDays":0}`, `{"validityDays":-3}`, `{"validityDays":"ten"}`} {
		if recorder := f.do(t, http.MethodPost, "/api/admin/keys", body); recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, recorder.Code)
		}
	}

	recorder := f.do(t, http.MethodPost, "/api/admin/keys", `{"validityDays":30,"note":"ci"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("create: %d %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		Key       string `json:"key"`
		ExpiresIn string `json:"expiresIn"`
	}
	decodeBody(t, recorder, &created)
	if len(created.Key) != 39 || created.ExpiresIn != "30 days" {
		t.Fatalf("unexpected create payload %+v", created)
	}
	record, found, _ := f.tokens.Get(ctx, created.Key)
	if !found || record.Source != models.TokenSourceAdminAPI {
		t.Fatalf("expected admin_api token, got %+v", record)
	}

	recorder = f.do(t, http.MethodGet, "/api/admin/keys", "")
	var listed struct {
		Total int `json:"total"`
		Keys  []struct {
			Key  string             `json:"key"`
			Info models.CallerToken `json:"info"`
		} `json:"keys"`
	}
	decodeBody(t, recorder, &listed)
	if listed.Total != 1 || listed.Keys[0].Key != created.Key || listed.Keys[0].Info.Note != "ci" {
		t.Fatalf("unexpected listing %+v", listed)
	}

	recorder = f.do(t, http.MethodPut, "/api/admin/keys/"+created.Key, `{"expiryDays":-36500,"active":false}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("update: %d %s", recorder.Code, recorder.Body.String())
	}
	record, _, _ = f.tokens.Get(ctx, created.Key)
	if record.Active || record.ExpiresAt != record.CreatedAt {
		t.Fatalf("expected clamped expiry and inactive token, got %+v", record)
	}
	for _, body := range []string{`{"expiryDays":36501}`, `{"expiryDays":-36501}`, `{"expiryDays":9223372036854775807}`} {
		if recorder = f.do(t, http.MethodPut, "/api/admin/keys/"+created.Key, body); recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, recorder.Code)
		}
	}
	if after, _, _ := f.tokens.Get(ctx, created.Key); after.ExpiresAt != record.ExpiresAt {
		t.Fatalf("rejected expiry delta must not change the record")
	}
	if recorder = f.do(t, http.MethodPut, "/api/admin/keys/missing", `{"note":"x"}`); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", recorder.Code)
	}

	if recorder = f.do(t, http.MethodDelete, "/api/admin/keys/"+created.Key, ""); recorder.Code != http.StatusOK {
		t.Fatalf("delete: %d", recorder.Code)
	}
	if _, found, _ = f.tokens.Get(ctx, created.Key); found {
		t.Fatalf("hard delete should remove the record")
	}
	if recorder = f.do(t, http.MethodDelete, "/api/admin/keys/"+created.Key, ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", recorder.Code)
	}
}

func TestSoftDeleteDeactivates(t *testing.T) {
	f := setupAdmin(t, config.DeleteModeSoft)
	ctx := context.Background()
	token, _, errCreate := f.tokens.Create(ctx, 5, models.TokenSourceAdminManual, "")
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	if recorder := f.do(t, http.MethodDelete, "/api/admin/keys/"+token, ""); recorder.Code != http.StatusOK {
		t.Fatalf("delete: %d", recorder.Code)
	}
	record, found, _ := f.tokens.Get(ctx, token)
	if !found || record.Active {
		t.Fatalf("soft delete should keep an inactive record, got found=%v %+v", found, record)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	f := setupAdmin(t, config.DeleteModeHard)
	ctx := context.Background()

	if recorder := f.do(t, http.MethodPost, "/api/admin/gemini-keys", `{"key":"AIza-1"}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without account, got %d", recorder.Code)
	}
	if recorder := f.do(t, http.MethodPost, "/api/admin/gemini-keys", `{"key":"AIza-1","account":"a@example.com"}`); recorder.Code != http.StatusOK {
		t.Fatalf("add: %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := f.do(t, http.MethodPost, "/api/admin/gemini-keys", `{"key":"AIza-1","account":"b@example.com"}`); recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", recorder.Code)
	}

	recorder := f.do(t, http.MethodPut, "/api/admin/gemini-keys/AIza-1", `{"status":"inactive","note":"parked"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("update: %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder = f.do(t, http.MethodPut, "/api/admin/gemini-keys/AIza-1", `{"status":"inactive"}`); recorder.Code != http.StatusOK {
		t.Fatalf("repeating the current status should succeed, got %d", recorder.Code)
	}
	if recorder = f.do(t, http.MethodPut, "/api/admin/gemini-keys/AIza-1", `{"status":"paused"}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodGet, "/api/admin/gemini-keys", "")
	var listing pool.Listing
	decodeBody(t, recorder, &listing)
	if len(listing.Active) != 0 || len(listing.Inactive) != 1 || listing.Inactive[0].Note != "parked" {
		t.Fatalf("unexpected listing %+v", listing)
	}

	if errRecord := f.pool.RecordError(ctx, "AIza-1"); errRecord != nil {
		t.Fatalf("record error: %v", errRecord)
	}
	recorder = f.do(t, http.MethodGet, "/api/admin/gemini-keys/stats", "")
	var stats []models.CredentialView
	decodeBody(t, recorder, &stats)
	if len(stats) != 1 || stats[0].ErrorCount != 1 || stats[0].Status != models.CredentialStatusInactive {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if recorder = f.do(t, http.MethodPut, "/api/admin/gemini-keys/missing", `{"note":"x"}`); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if recorder = f.do(t, http.MethodDelete, "/api/admin/gemini-keys/AIza-1", ""); recorder.Code != http.StatusOK {
		t.Fatalf("delete: %d", recorder.Code)
	}
	if recorder = f.do(t, http.MethodDelete, "/api/admin/gemini-keys/AIza-1", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", recorder.Code)
	}
}

func TestCredentialUpdateValidatesBeforeWriting(t *testing.T) {
	f := setupAdmin(t, config.DeleteModeHard)
	ctx := context.Background()
	if _, errAdd := f.pool.Add(ctx, "AIza-1", "a@example.com", "original"); errAdd != nil {
		t.Fatalf("add: %v", errAdd)
	}

	recorder := f.do(t, http.MethodPut, "/api/admin/gemini-keys/AIza-1", `{"status":"paused","note":"changed"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", recorder.Code)
	}
	detail, _, _ := f.pool.Info(ctx, "AIza-1")
	if detail.Note != "original" {
		t.Fatalf("rejected update must not write the note, got %q", detail.Note)
	}
}

func TestCredentialUpdateReportsPartialWrite(t *testing.T) {
	f := setupAdmin(t, config.DeleteModeHard)
	ctx := context.Background()
	if _, errAdd := f.pool.Add(ctx, "AIza-1", "a@example.com", ""); errAdd != nil {
		t.Fatalf("add: %v", errAdd)
	}
	// Another relay process changes the lists, so this instance's status move loses its check.
	other := pool.New(f.store)
	if errInit := other.Init(ctx); errInit != nil {
		t.Fatalf("init other pool: %v", errInit)
	}
	if _, errAdd := other.Add(ctx, "AIza-2", "b@example.com", ""); errAdd != nil {
		t.Fatalf("add from other pool: %v", errAdd)
	}

	recorder := f.do(t, http.MethodPut, "/api/admin/gemini-keys/AIza-1", `{"status":"inactive","note":"parked"}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		InfoUpdated   bool `json:"infoUpdated"`
		StatusUpdated bool `json:"statusUpdated"`
	}
	decodeBody(t, recorder, &payload)
	if !payload.InfoUpdated || payload.StatusUpdated {
		t.Fatalf("expected infoUpdated without statusUpdated, got %+v", payload)
	}
	detail, _, _ := f.pool.Info(ctx, "AIza-1")
	if detail.Note != "parked" {
		t.Fatalf("expected the note to be saved, got %q", detail.Note)
	}
	if status, _ := f.pool.Status("AIza-1"); status != models.CredentialStatusActive {
		t.Fatalf("expected the key to stay active, got %s", status)
	}

	// The conflict reloaded the lists, so repeating the request completes the move.
	if recorder = f.do(t, http.MethodPut, "/api/admin/gemini-keys/AIza-1", `{"status":"inactive","note":"parked"}`); recorder.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", recorder.Code, recorder.Body.String())
	}
	if status, _ := f.pool.Status("AIza-1"); status != models.CredentialStatusInactive {
		t.Fatalf("expected inactive after retry, got %s", status)
	}
}

func TestRedeemBatchLifecycle(t *testing.T) {
	f := setupAdmin(t, config.DeleteModeHard)
	ctx := context.Background()

	if recorder := f.do(t, http.MethodPost, "/api/admin/redeem/batch", `{"validityDays":7,"count":0}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero count, got %d", recorder.Code)
	}
	if recorder := f.do(t, http.MethodPost, "/api/admin/redeem/batch", `{"validityDays":7,"count":1001}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized batch, got %d", recorder.Code)
	}

	recorder := f.do(t, http.MethodPost, "/api/admin/redeem/batch", `{"validityDays":7,"count":3,"note":"launch"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("create: %d %s", recorder.Code, recorder.Body.String())
	}
	var batch models.RedemptionBatch
	decodeBody(t, recorder, &batch)
	if batch.BatchID != "B1" || batch.TotalCodes != 3 || batch.UsedCodes != 0 {
		t.Fatalf("unexpected batch %+v", batch)
	}

	recorder = f.do(t, http.MethodGet, "/api/admin/redeem/batches", "")
	var batches []models.RedemptionBatch
	decodeBody(t, recorder, &batches)
	if len(batches) != 1 || batches[0].BatchID != "B1" {
		t.Fatalf("unexpected batches %+v", batches)
	}

	recorder = f.do(t, http.MethodGet, "/api/admin/redeem/batch/B1", "")
	var codes []models.RedemptionCode
	decodeBody(t, recorder, &codes)
	if len(codes) != 3 {
		t.Fatalf("expected 3 codes, got %d", len(codes))
	}
	if recorder = f.do(t, http.MethodGet, "/api/admin/redeem/batch/B9", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown batch, got %d", recorder.Code)
	}

	if _, errRedeem := f.redeem.Redeem(ctx, "B1", codes[0].Code); errRedeem != nil {
		t.Fatalf("redeem: %v", errRedeem)
	}
	if recorder = f.do(t, http.MethodDelete, "/api/admin/redeem/batch/B1", ""); recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for batch in use, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/api/admin/redeem/batch", `{"validityDays":1,"count":1}`)
	decodeBody(t, recorder, &batch)
	if recorder = f.do(t, http.MethodDelete, "/api/admin/redeem/batch/"+batch.BatchID, ""); recorder.Code != http.StatusOK {
		t.Fatalf("delete unused batch: %d", recorder.Code)
	}
	if recorder = f.do(t, http.MethodDelete, "/api/admin/redeem/batch/"+batch.BatchID, ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", recorder.Code)
	}
}

func TestVersionReportsBuild(t *testing.T) {
	f := setupAdmin(t, config.DeleteModeHard)

	recorder := f.do(t, http.MethodGet, "/api/admin/version", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		Version   string `json:"version"`
		GoVersion string `json:"goVersion"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Version == "" || payload.GoVersion == "" {
		t.Fatalf("unexpected version payload %s", recorder.Body.String())
	}
}
