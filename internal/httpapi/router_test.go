package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johnrirwin/keygate/internal/apierror"
	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/cache"
	"github.com/johnrirwin/keygate/internal/database"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/models"
	"github.com/johnrirwin/keygate/internal/ratelimit"
)

const (
	upstreamSecret = "upstream-secret"
	adminSecret    = "0123456789abcdef0123456789abcdef"
)

// fixedNow sits mid-minute so window rollover never happens during a test.
var fixedNow = time.Date(2026, 6, 1, 12, 0, 30, 0, time.UTC)

type upstreamRecorder struct {
	mu    sync.Mutex
	calls int
	auth  string
	path  string
	body  string
}

func (u *upstreamRecorder) snapshot() (int, string, string, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls, u.auth, u.path, u.body
}

type testEnv struct {
	handler  http.Handler
	db       *database.DB
	keys     *database.APIKeyStore
	usage    *database.UsageStore
	tokens   *auth.AdminTokens
	upstream *upstreamRecorder
	chatKey  string
}

func newTestEnv(t *testing.T, configure func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewWithOutput(logging.LevelError, io.Discard)
	now := func() time.Time { return fixedNow }

	db, err := database.Open(ctx, database.Config{Driver: "sqlite3", URL: ":memory:"}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	keys := database.NewAPIKeyStore(db)
	usage := database.NewUsageStore(db)

	rec := &upstreamRecorder{}
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls++
		rec.auth = r.Header.Get("Authorization")
		rec.path = r.URL.Path
		rec.body = string(body)
		rec.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Limit", "9999")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion"}`))
	}))
	t.Cleanup(upstreamSrv.Close)

	upstream, err := NewUpstream(UpstreamConfig{BaseURL: upstreamSrv.URL + "/api", APIKey: upstreamSecret}, logger)
	if err != nil {
		t.Fatalf("NewUpstream: %v", err)
	}

	counters := cache.New(cache.WithClock(now), cache.WithoutJanitor())
	store := ratelimit.NewMemoryStore(counters)
	limiter, err := ratelimit.New(store, ratelimit.Config{
		Windows: []ratelimit.Window{ratelimit.NewWindow(time.Minute, 3, ratelimit.ScopePrincipal)},
		Now:     now,
	}, logger)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	ipWindow := ratelimit.NewWindow(time.Minute, 2, ratelimit.ScopeIP)
	ipWindow.Name = "ip_minute"
	ipLimiter, err := ratelimit.New(store, ratelimit.Config{Windows: []ratelimit.Window{ipWindow}, Now: now}, logger)
	if err != nil {
		t.Fatalf("ratelimit.New (ip): %v", err)
	}

	tokens, err := auth.NewAdminTokens(adminSecret)
	if err != nil {
		t.Fatalf("NewAdminTokens: %v", err)
	}
	validator := auth.NewValidator(keys, auth.ValidatorConfig{Now: now}, logger)

	deps := Deps{
		Keys:      keys,
		Usage:     usage,
		Auth:      auth.NewMiddleware(validator, tokens, logger),
		Limiter:   limiter,
		IPLimiter: ipLimiter,
		Upstream:  upstream,
		Checks: []HealthCheck{
			{Name: "database", Check: db.PingContext},
			{Name: "rate_limit_store", Check: store.Ping},
		},
		Logger:       logger,
		MaxBodyBytes: 1024,
		Environment:  "test",
		Now:          now,
	}
	if configure != nil {
		configure(&deps)
	}

	env := &testEnv{
		handler:  NewRouter(deps),
		db:       db,
		keys:     keys,
		usage:    usage,
		tokens:   tokens,
		upstream: rec,
	}
	env.chatKey = env.createKey(t, "user-1", "chat", "usage")
	return env
}

func (e *testEnv) createKey(t *testing.T, principal string, perms ...string) string {
	t.Helper()
	created, err := CreateKey(context.Background(), e.keys, models.CreateAPIKeyParams{
		PrincipalID: principal,
		Permissions: perms,
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	return created.Key
}

func (e *testEnv) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.5:41000"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apierror.Error {
	t.Helper()
	var resp apierror.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not JSON: %q: %v", rr.Body.String(), err)
	}
	return resp.Error
}

const chatBody = `{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`

func TestChat_MissingKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/v1/chat/completions", "", chatBody)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if got := decodeError(t, rr); got.Code != apierror.CodeMissingAPIKey {
		t.Errorf("code = %q, want %q", got.Code, apierror.CodeMissingAPIKey)
	}
	if calls, _, _, _ := env.upstream.snapshot(); calls != 0 {
		t.Errorf("upstream calls = %d, want 0", calls)
	}
}

func TestChat_InvalidKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/v1/chat/completions", "sk-not-a-real-key", chatBody)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if got := decodeError(t, rr); got.Code != apierror.CodeInvalidAPIKey {
		t.Errorf("code = %q, want %q", got.Code, apierror.CodeInvalidAPIKey)
	}
}

func TestChat_ProxiesWithUpstreamKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/v1/chat/completions", env.chatKey, chatBody)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	calls, authz, path, body := env.upstream.snapshot()
	if calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", calls)
	}
	if authz != "Bearer "+upstreamSecret {
		t.Errorf("upstream Authorization = %q, want the server-side key", authz)
	}
	if path != "/api/v1/chat/completions" {
		t.Errorf("upstream path = %q", path)
	}
	if body != chatBody {
		t.Errorf("upstream body = %q, want it forwarded unchanged", body)
	}
	if got := rr.Header().Get(ratelimit.HeaderLimit); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
	if got := rr.Header().Get(ratelimit.HeaderRemaining); got != "2" {
		t.Errorf("X-RateLimit-Remaining = %q, want 2", got)
	}
	if got := rr.Header().Get(HeaderRequestID); got == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestChat_RecordsUsage(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 2; i++ {
		if rr := env.do(http.MethodPost, "/v1/chat/completions", env.chatKey, chatBody); rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
	}

	rr := env.do(http.MethodGet, "/v1/usage?start_date=2026-06-01&end_date=2026-06-01", env.chatKey, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("usage status = %d: %s", rr.Code, rr.Body.String())
	}
	var summary models.UsageSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if summary.Totals.Requests != 2 {
		t.Errorf("requests = %d, want 2", summary.Totals.Requests)
	}
	if len(summary.DailyUsage) != 1 || summary.DailyUsage[0].Date != "2026-06-01" {
		t.Errorf("daily usage = %+v", summary.DailyUsage)
	}
}

func TestChat_RateLimitExceeded(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 3; i++ {
		if rr := env.do(http.MethodPost, "/v1/chat/completions", env.chatKey, chatBody); rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rr.Code)
		}
	}

	rr := env.do(http.MethodPost, "/v1/chat/completions", env.chatKey, chatBody)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if got := decodeError(t, rr); got.Code != apierror.CodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", got.Code, apierror.CodeRateLimitExceeded)
	}
	if got := rr.Header().Get(ratelimit.HeaderRetryAfter); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	if got := rr.Header().Get(ratelimit.HeaderRemaining); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if calls, _, _, _ := env.upstream.snapshot(); calls != 3 {
		t.Errorf("upstream calls = %d, want 3", calls)
	}

	// Other principals have their own counters.
	other := env.createKey(t, "user-2", "chat")
	if rr := env.do(http.MethodPost, "/v1/chat/completions", other, chatBody); rr.Code != http.StatusOK {
		t.Errorf("other principal status = %d, want 200", rr.Code)
	}
}

func TestChat_RequiresChatPermission(t *testing.T) {
	env := newTestEnv(t, nil)
	usageOnly := env.createKey(t, "user-3", "usage")

	rr := env.do(http.MethodPost, "/v1/chat/completions", usageOnly, chatBody)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestChat_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	big := `{"model":"m","messages":[{"role":"user","content":"` + strings.Repeat("a", 2048) + `"}]}`

	rr := env.do(http.MethodPost, "/v1/chat/completions", env.chatKey, big)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
	if got := decodeError(t, rr); got.Code != apierror.CodeRequestTooLarge {
		t.Errorf("code = %q, want %q", got.Code, apierror.CodeRequestTooLarge)
	}
}

func TestRateLimitStatus_DoesNotConsume(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(http.MethodPost, "/v1/chat/completions", env.chatKey, chatBody)

	for i := 0; i < 2; i++ {
		rr := env.do(http.MethodGet, "/v1/rate_limit", env.chatKey, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		var body struct {
			Limit     int64 `json:"limit"`
			Remaining int64 `json:"remaining"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Limit != 3 || body.Remaining != 2 {
			t.Errorf("limit/remaining = %d/%d, want 3/2", body.Limit, body.Remaining)
		}
	}
}

func TestModels_AnonymousIPLimited(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 2; i++ {
		if rr := env.do(http.MethodGet, "/v1/models", "", ""); rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rr.Code)
		}
	}
	rr := env.do(http.MethodGet, "/v1/models", "", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
}

func TestAdmin_CreateListRevoke(t *testing.T) {
	env := newTestEnv(t, nil)
	token, err := env.tokens.Issue("ops", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rr := env.do(http.MethodPost, "/api/admin/keys", token, `{"principal_id":"team-a","name":"ci","permissions":["chat"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rr.Code, rr.Body.String())
	}
	var created models.CreatedAPIKey
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !auth.ValidKeyFormat(created.Key) {
		t.Fatalf("created key %q has the wrong format", created.Key)
	}
	if strings.Contains(rr.Body.String(), "key_hash") {
		t.Error("response leaks key_hash")
	}

	if rr := env.do(http.MethodPost, "/v1/chat/completions", created.Key, chatBody); rr.Code != http.StatusOK {
		t.Fatalf("new key status = %d, want 200", rr.Code)
	}

	rr = env.do(http.MethodGet, "/api/admin/keys?principal_id=team-a", token, "")
	var list models.APIKeysResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.TotalCount != 1 || list.Keys[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	rr = env.do(http.MethodDelete, "/api/admin/keys/"+created.ID, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rr.Code)
	}

	rr = env.do(http.MethodPost, "/v1/chat/completions", created.Key, chatBody)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key status = %d, want 401", rr.Code)
	}
	if got := decodeError(t, rr); got.Code != apierror.CodeInvalidAPIKey {
		t.Errorf("code = %q, want %q", got.Code, apierror.CodeInvalidAPIKey)
	}

	if rr := env.do(http.MethodDelete, "/api/admin/keys/missing", token, ""); rr.Code != http.StatusNotFound {
		t.Errorf("revoke missing status = %d, want 404", rr.Code)
	}
}

func TestAdmin_ValidationAndAccess(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.tokens.Issue("ops", time.Hour)

	rr := env.do(http.MethodPost, "/api/admin/keys", token, `{"principal_id":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty principal status = %d, want 400", rr.Code)
	}

	rr = env.do(http.MethodPost, "/api/admin/keys", token, `not json`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", rr.Code)
	}

	// A normal key cannot reach the admin API.
	rr = env.do(http.MethodGet, "/api/admin/keys", env.chatKey, "")
	if rr.Code != http.StatusForbidden {
		t.Errorf("non-admin key status = %d, want 403", rr.Code)
	}

	// An API key holding the admin permission can.
	adminKey := env.createKey(t, "root", models.PermissionAdmin)
	rr = env.do(http.MethodGet, "/api/admin/keys", adminKey, "")
	if rr.Code != http.StatusOK {
		t.Errorf("admin key status = %d, want 200", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var body healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Checks["database"].Status != "connected" {
		t.Errorf("health = %+v", body)
	}

	rr = env.do(http.MethodGet, "/health/detailed", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("detailed status = %d", rr.Code)
	}
}

func TestHealth_DegradedOnFailedCheck(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Checks = append(d.Checks, HealthCheck{
			Name:  "redis",
			Check: func(context.Context) error { return errors.New("connection refused") },
		})
	})

	rr := env.do(http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"degraded"`) {
		t.Errorf("body = %s, want degraded status", rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "connection refused") {
		t.Errorf("body = %s, must not expose check errors", rr.Body.String())
	}
}

func TestNotFoundAndSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodGet, "/nope", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if got := decodeError(t, rr); got.Code != apierror.CodeNotFound {
		t.Errorf("code = %q", got.Code)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestRequestID_ReusesValidUUID(t *testing.T) {
	env := newTestEnv(t, nil)
	const id = "7f2c1d4e-8a9b-4c3d-9e1f-0a1b2c3d4e5f"

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, id)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(HeaderRequestID); got != id {
		t.Errorf("X-Request-ID = %q, want %q", got, id)
	}
}
