package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	auditrepository "github.com/smallbiznis/grove/internal/audit/repository"
	auditservice "github.com/smallbiznis/grove/internal/audit/service"
	"github.com/smallbiznis/grove/internal/auth/accesstoken"
	authdomain "github.com/smallbiznis/grove/internal/auth/domain"
	"github.com/smallbiznis/grove/internal/auth/oauth2provider"
	"github.com/smallbiznis/grove/internal/auth/repository"
	"github.com/smallbiznis/grove/internal/auth/resolver"
	"github.com/smallbiznis/grove/internal/auth/secret"
	authservice "github.com/smallbiznis/grove/internal/auth/service"
	"github.com/smallbiznis/grove/internal/auth/session"
	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/internal/observability"
	"github.com/smallbiznis/grove/internal/ratelimit"
	"github.com/smallbiznis/grove/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	serviceSecret = "svc-secret"
	memberID      = snowflake.ID(101)
	adminID       = snowflake.ID(102)
)

type serverFixture struct {
	server *Server
	db     *gorm.DB
	clock  *clock.FakeClock
	codec  *session.Codec
	issuer *accesstoken.Issuer
}

func newServerFixture(t *testing.T, limits config.RateLimitConfig) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&authdomain.User{},
		&authdomain.Session{},
		&session.Session{},
		&auditdomain.AuditLog{},
	))
	require.NoError(t, conn.Create(&authdomain.User{ID: memberID, Email: "member@grove.test"}).Error)
	require.NoError(t, conn.Create(&authdomain.User{ID: adminID, Email: "admin@grove.test", IsAdmin: true}).Error)

	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{ServiceSecret: serviceSecret}

	users, legacySessions := repository.New(conn)
	authsvc := authservice.New(zap.NewNop(), users, legacySessions, clk)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepository.Provide(),
		Clock: clk,
	})

	registry := session.NewRegistry(session.RegistryConfig{TTL: 24 * time.Hour, IdleTimeout: time.Minute},
		session.NewStore(conn), clk, nil, nil, zap.NewNop())
	t.Cleanup(registry.Close)

	codec, err := session.NewCodec([]byte("0123456789abcdef0123456789abcdef"), true)
	require.NoError(t, err)
	issuer, err := accesstoken.New([]byte("jwt-test-key-jwt-test-key-000000"), "https://auth.test", 15*time.Minute, clk)
	require.NoError(t, err)
	cookies := session.NewManager(cfg, clk)

	chain := resolver.NewChainFromDeps(resolver.Params{
		Cfg:      cfg,
		Cookies:  cookies,
		Codec:    codec,
		Registry: registry,
		Issuer:   issuer,
		Auth:     authsvc,
		Log:      zap.NewNop(),
	})
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clk), config.NewStaticRateLimitPolicyHolder(limits), clk, nil, zap.NewNop())

	srv := NewServer(ServerParams{
		Gin:      NewEngine(observability.Config{}, nil),
		Cfg:      cfg,
		Authsvc:  authsvc,
		AuditSvc: auditSvc,
		Sessions: registry,
		Codec:    codec,
		Cookies:  cookies,
		Chain:    chain,
		Limiter:  limiter,
		Clock:    clk,
		OAuth2:   oauth2provider.NewHandler(nil, zap.NewNop()),
	})

	return &serverFixture{server: srv, db: conn, clock: clk, codec: codec, issuer: issuer}
}

type call struct {
	method string
	path   string
	body   any
	cookie string
	bearer string
}

func (f *serverFixture) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh) Firefox/125.0")
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: session.CookieName, Value: c.cookie})
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (f *serverFixture) createSession(t *testing.T, userID snowflake.ID) (string, string) {
	t.Helper()
	w, body := f.do(t, call{
		method: http.MethodPost,
		path:   "/session/create",
		body:   map[string]any{"user_id": userID.String()},
		bearer: serviceSecret,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return body["session_id"].(string), body["cookie"].(string)
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())
	w, body := f.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateSessionRequiresServiceSecret(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())

	for _, bearer := range []string{"", "wrong"} {
		w, body := f.do(t, call{
			method: http.MethodPost,
			path:   "/session/create",
			body:   map[string]any{"user_id": memberID.String()},
			bearer: bearer,
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "unauthorized", body["error"].(map[string]any)["type"])
	}

	w, _ := f.do(t, call{
		method: http.MethodPost,
		path:   "/session/create",
		body:   map[string]any{"user_id": "999"},
		bearer: serviceSecret,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())
	sid, cookie := f.createSession(t, memberID)

	w, body := f.do(t, call{method: http.MethodPost, path: "/session/validate", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, memberID.String(), body["user_id"])
	assert.Equal(t, sid, body["session_id"])
	assert.Equal(t, "session", body["source"])

	w, body = f.do(t, call{method: http.MethodGet, path: "/session/list", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sid, body["current_session_id"])
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Firefox on macOS", sessions[0].(map[string]any)["device_name"])

	w, body = f.do(t, call{method: http.MethodPost, path: "/session/revoke", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["revoked"])
	assert.Contains(t, w.Header().Get("Set-Cookie"), session.CookieName+"=;")

	w, body = f.do(t, call{method: http.MethodPost, path: "/session/validate", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["valid"])

	// Revoking again stays a success.
	w, body = f.do(t, call{method: http.MethodPost, path: "/session/revoke", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["revoked"])

	var audits int64
	require.NoError(t, f.db.Model(&auditdomain.AuditLog{}).Where("action = ?", auditdomain.ActionSessionRevoked).Count(&audits).Error)
	assert.EqualValues(t, 1, audits)
}

func TestRevokedSessionIgnoresBearerFallback(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())
	_, cookie := f.createSession(t, memberID)
	f.do(t, call{method: http.MethodPost, path: "/session/revoke", cookie: cookie})

	token, _, err := f.issuer.Issue(memberID.String(), "cli1", nil)
	require.NoError(t, err)

	w, _ := f.do(t, call{method: http.MethodGet, path: "/session/list", cookie: cookie, bearer: token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := f.do(t, call{method: http.MethodGet, path: "/session/check", bearer: token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["authenticated"])
}

func TestRevokeAllKeepsCurrentSession(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())
	current, cookie := f.createSession(t, memberID)
	_, other := f.createSession(t, memberID)
	f.createSession(t, memberID)

	w, body := f.do(t, call{method: http.MethodPost, path: "/session/revoke-all", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["revoked"])

	w, body = f.do(t, call{method: http.MethodPost, path: "/session/validate", cookie: other})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["valid"])

	w, body = f.do(t, call{method: http.MethodGet, path: "/session/list", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, current, sessions[0].(map[string]any)["id"])

	w, body = f.do(t, call{method: http.MethodPost, path: "/session/revoke-all", cookie: cookie, body: map[string]any{"keep_current": false}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["revoked"])
}

func TestDeleteSession(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())
	_, cookie := f.createSession(t, memberID)
	otherID, other := f.createSession(t, memberID)

	w, body := f.do(t, call{method: http.MethodDelete, path: "/session/" + otherID, cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	w, body = f.do(t, call{method: http.MethodDelete, path: "/session/does-not-exist", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	_, body = f.do(t, call{method: http.MethodPost, path: "/session/validate", cookie: other})
	assert.Equal(t, false, body["valid"])

	w, _ = f.do(t, call{method: http.MethodDelete, path: "/session/" + otherID})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckSession(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())

	w, body := f.do(t, call{method: http.MethodGet, path: "/session/check"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["authenticated"])
	assert.Nil(t, body["user"])

	w, body = f.do(t, call{method: http.MethodGet, path: "/session/check", cookie: "tampered:value"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["authenticated"])

	_, cookie := f.createSession(t, memberID)
	w, body = f.do(t, call{method: http.MethodGet, path: "/session/check", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["authenticated"])
	user := body["user"].(map[string]any)
	assert.Equal(t, memberID.String(), user["id"])
	assert.Equal(t, "member@grove.test", user["email"])
}

func TestLegacyDatabaseSession(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())
	require.NoError(t, f.db.Create(&authdomain.Session{
		ID:               900,
		UserID:           memberID,
		SessionTokenHash: secret.HashToken("legacy-raw-token"),
		ExpiresAt:        f.clock.Now().Add(time.Hour),
	}).Error)

	_, body := f.do(t, call{method: http.MethodGet, path: "/session/check", cookie: "legacy-raw-token"})
	assert.Equal(t, true, body["authenticated"])

	w, body := f.do(t, call{method: http.MethodPost, path: "/session/revoke", cookie: "legacy-raw-token"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["revoked"])

	_, body = f.do(t, call{method: http.MethodGet, path: "/session/check", cookie: "legacy-raw-token"})
	assert.Equal(t, false, body["authenticated"])
}

func TestValidateServiceToken(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())
	sid, cookie := f.createSession(t, memberID)

	w, body := f.do(t, call{
		method: http.MethodPost,
		path:   "/session/validate-service",
		body:   map[string]any{"token": cookie},
		bearer: serviceSecret,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, sid, body["session_id"])

	token, _, err := f.issuer.Issue(memberID.String(), "cli1", []string{"blog:read"})
	require.NoError(t, err)
	_, body = f.do(t, call{
		method: http.MethodPost,
		path:   "/session/validate-service",
		body:   map[string]any{"token": token},
		bearer: serviceSecret,
	})
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "access_token", body["source"])

	w, _ = f.do(t, call{
		method: http.MethodPost,
		path:   "/session/validate-service",
		body:   map[string]any{"token": ""},
		bearer: serviceSecret,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, call{
		method: http.MethodPost,
		path:   "/session/validate-service",
		body:   map[string]any{"token": cookie},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionRoutesRateLimited(t *testing.T) {
	limits := config.DefaultRateLimitConfig()
	limits.Policies[config.RouteSessionRead] = config.RateLimitPolicy{Limit: 1, Window: time.Minute, FailOpen: true}
	f := newServerFixture(t, limits)

	w, _ := f.do(t, call{method: http.MethodGet, path: "/session/check"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, body := f.do(t, call{method: http.MethodGet, path: "/session/check"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limit", body["error"])
	assert.EqualValues(t, 60, body["retry_after"])
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestRateLimitedRequestLeavesSessionUntouched(t *testing.T) {
	limits := config.DefaultRateLimitConfig()
	limits.Policies[config.RouteSessionRead] = config.RateLimitPolicy{Limit: 1, Window: time.Minute, FailOpen: true}
	f := newServerFixture(t, limits)
	sid, cookie := f.createSession(t, memberID)

	f.clock.Advance(5 * time.Second)
	w, body := f.do(t, call{method: http.MethodGet, path: "/session/check", cookie: cookie})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["authenticated"])
	touched := f.clock.Now()

	f.clock.Advance(6 * time.Second)
	w, _ = f.do(t, call{method: http.MethodGet, path: "/session/check", cookie: cookie})
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var row session.Session
	require.NoError(t, f.db.Where("id = ?", sid).Take(&row).Error)
	assert.True(t, row.LastActiveAt.Equal(touched), "last_active_at moved to %s", row.LastActiveAt)
}

func TestAdminAuditLogs(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())
	_, member := f.createSession(t, memberID)
	_, admin := f.createSession(t, adminID)

	w, _ := f.do(t, call{method: http.MethodGet, path: "/admin/audit-logs"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, call{method: http.MethodGet, path: "/admin/audit-logs", cookie: member})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := f.do(t, call{method: http.MethodGet, path: "/admin/audit-logs?action=session.created", cookie: admin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"].([]any), 2)

	w, _ = f.do(t, call{method: http.MethodGet, path: "/admin/audit-logs?start_at=yesterday", cookie: admin})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	typ, code := classifyErrorForLog(&ratelimit.RateLimitError{Route: "x", RetryAfter: time.Second})
	assert.Equal(t, "rate_limit", typ)
	assert.Equal(t, "rate_limit", code)

	typ, code = classifyErrorForLog(newValidationError("token", "invalid_token", "token is required"))
	assert.Equal(t, "validation_error", typ)
	assert.Equal(t, "invalid_token", code)

	typ, _ = classifyErrorForLog(context.DeadlineExceeded)
	assert.Equal(t, "internal_error", typ)
}

func TestAccessTokenNeedsSessionScope(t *testing.T) {
	f := newServerFixture(t, config.DefaultRateLimitConfig())
	f.createSession(t, memberID)

	narrow, _, err := f.issuer.Issue(memberID.String(), "cli1", []string{"blog:read"})
	require.NoError(t, err)
	w, body := f.do(t, call{method: http.MethodGet, path: "/session/list", bearer: narrow})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "insufficient_scope", body["error"])

	broad, _, err := f.issuer.Issue(memberID.String(), "cli1", []string{"sessions:manage"})
	require.NoError(t, err)
	w, body = f.do(t, call{method: http.MethodGet, path: "/session/list", bearer: broad})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["sessions"].([]any), 1)
	assert.Equal(t, "", body["current_session_id"])
}
