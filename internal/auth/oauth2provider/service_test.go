package oauth2provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	"github.com/smallbiznis/grove/internal/auth/accesstoken"
	"github.com/smallbiznis/grove/internal/auth/secret"
	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/internal/ratelimit"
	"github.com/smallbiznis/grove/pkg/db"
	"go.uber.org/zap"
)

const (
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testRedirectURI = "https://app/cb"
	testUserID      = snowflake.ID(42)
)

type staticTokenGen struct {
	mu     sync.Mutex
	values []string
	idx    int
}

func (g *staticTokenGen) NewToken() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.values) {
		g.idx++
		return fmt.Sprintf("token-%d", g.idx), nil
	}
	val := g.values[g.idx]
	g.idx++
	return val, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditdomain.Entry
}

func (a *recordingAudit) Record(_ context.Context, entry auditdomain.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAudit) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	svc    *Service
	store  Store
	clock  *clock.FakeClock
	audit  *recordingAudit
	tokens *staticTokenGen
}

func newFixture(t *testing.T, limits config.RateLimitConfig, tokens ...string) *fixture {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(&Client{}, &AuthorizationCode{}, &RefreshToken{}, &DeviceCode{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewStore(dbConn)
	issuer, err := accesstoken.New([]byte("test-signing-key"), "https://auth.grove.test", 15*time.Minute, clk)
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	limiter := ratelimit.NewLimiter(
		ratelimit.NewMemoryStore(clk),
		config.NewStaticRateLimitPolicyHolder(limits),
		clk,
		nil,
		zap.NewNop(),
	)

	ctx := context.Background()
	if err := store.CreateClient(ctx, &Client{
		ClientID:     "cli1",
		Name:         "CLI",
		RedirectURIs: []string{testRedirectURI},
		CreatedAt:    clk.Now(),
	}); err != nil {
		t.Fatalf("failed to seed public client: %v", err)
	}
	secretHash, err := secret.Hash("s3cret")
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	if err := store.CreateClient(ctx, &Client{
		ClientID:     "web",
		Name:         "Web",
		SecretHash:   &secretHash,
		RedirectURIs: []string{"https://web/cb"},
		CreatedAt:    clk.Now(),
	}); err != nil {
		t.Fatalf("failed to seed confidential client: %v", err)
	}

	gen := &staticTokenGen{values: tokens}
	audit := &recordingAudit{}
	svc := NewService(Config{
		CodeTTL:            5 * time.Minute,
		RefreshTTL:         30 * 24 * time.Hour,
		DeviceCodeTTL:      15 * time.Minute,
		DeviceInterval:     5 * time.Second,
		DeviceSlowDownStep: 5 * time.Second,
		VerificationURI:    "https://grove.test/device",
		ReuseRevokesFamily: true,
	}, store, limiter, issuer, audit, nil, clk, zap.NewNop())
	svc.tokenGen = gen

	return &fixture{svc: svc, store: store, clock: clk, audit: audit, tokens: gen}
}

func (f *fixture) seedCode(t *testing.T, raw, clientID, redirectURI, challenge, method string) {
	t.Helper()
	err := f.store.CreateAuthorizationCode(context.Background(), &AuthorizationCode{
		CodeHash:            secret.HashToken(raw),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		UserID:              testUserID,
		Scopes:              []string{"blog:read", "blog:write"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ExpiresAt:           f.clock.Now().Add(5 * time.Minute),
		CreatedAt:           f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("failed to seed code: %v", err)
	}
}

func codeRequest(code string) TokenRequest {
	return TokenRequest{
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     "cli1",
		CodeVerifier: testVerifier,
		ClientIP:     "10.0.0.1",
	}
}

func TestRefreshReplayRevokesFamily(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "r1", "r2")
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	ctx := context.Background()

	first, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc"))
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if first.RefreshToken != "r1" {
		t.Fatalf("expected refresh token r1, got %q", first.RefreshToken)
	}
	if first.TokenType != "Bearer" || first.ExpiresIn != 900 {
		t.Fatalf("unexpected token response: %+v", first)
	}
	if first.Scope != "blog:read blog:write" {
		t.Fatalf("unexpected scope %q", first.Scope)
	}

	rotated, err := f.svc.RefreshToken(ctx, RefreshRequest{RefreshToken: "r1", ClientID: "cli1"})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if rotated.RefreshToken != "r2" {
		t.Fatalf("expected refresh token r2, got %q", rotated.RefreshToken)
	}

	_, err = f.svc.RefreshToken(ctx, RefreshRequest{RefreshToken: "r1", ClientID: "cli1"})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant on replay, got %v", err)
	}

	_, err = f.svc.RefreshToken(ctx, RefreshRequest{RefreshToken: "r2", ClientID: "cli1"})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected family revoked after replay, got %v", err)
	}

	stored, err := f.store.GetRefreshToken(ctx, secret.HashToken("r1"))
	if err != nil {
		t.Fatalf("load r1: %v", err)
	}
	if stored.ReplacedByHash == nil || *stored.ReplacedByHash != secret.HashToken("r2") {
		t.Fatalf("expected r1 to point at r2")
	}

	var sawReplay bool
	for _, action := range f.audit.actions() {
		if action == auditdomain.ActionRefreshReplay {
			sawReplay = true
		}
	}
	if !sawReplay {
		t.Fatalf("expected replay audit entry, got %v", f.audit.actions())
	}
}

func TestRefreshReplayKeepsFamilyWhenDisabled(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "r1", "r2")
	f.svc.cfg.ReuseRevokesFamily = false
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	ctx := context.Background()

	if _, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc")); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if _, err := f.svc.RefreshToken(ctx, RefreshRequest{RefreshToken: "r1", ClientID: "cli1"}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := f.svc.RefreshToken(ctx, RefreshRequest{RefreshToken: "r1", ClientID: "cli1"}); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant on replay, got %v", err)
	}
	if _, err := f.svc.RefreshToken(ctx, RefreshRequest{RefreshToken: "r2", ClientID: "cli1"}); err != nil {
		t.Fatalf("expected r2 to stay valid, got %v", err)
	}
}

func TestRefreshRejectsOtherClientAndExpiry(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "r1")
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	ctx := context.Background()

	if _, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc")); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	_, err := f.svc.RefreshToken(ctx, RefreshRequest{RefreshToken: "r1", ClientID: "web", ClientSecret: "s3cret"})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant for foreign client, got %v", err)
	}

	f.clock.Advance(31 * 24 * time.Hour)
	_, err = f.svc.RefreshToken(ctx, RefreshRequest{RefreshToken: "r1", ClientID: "cli1"})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant for expired token, got %v", err)
	}
}

func TestExchangeCodeOnlyOnce(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig())
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	ctx := context.Background()

	if _, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc")); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}
	_, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc"))
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant on second exchange, got %v", err)
	}
}

func TestExchangeConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig())
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ExchangeAuthorizationCode(context.Background(), codeRequest("abc"))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful exchange, got %d", successes)
	}
}

func TestExchangePKCEFailureBurnsCode(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig())
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	ctx := context.Background()

	req := codeRequest("abc")
	req.CodeVerifier = "wrong-verifier"
	if _, err := f.svc.ExchangeAuthorizationCode(ctx, req); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant for bad verifier, got %v", err)
	}
	if _, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc")); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected consumed code to stay invalid, got %v", err)
	}
}

func TestExchangePlainChallenge(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig())
	f.seedCode(t, "abc", "cli1", testRedirectURI, testVerifier, secret.PKCEMethodPlain)

	if _, err := f.svc.ExchangeAuthorizationCode(context.Background(), codeRequest("abc")); err != nil {
		t.Fatalf("expected plain challenge to verify, got %v", err)
	}
}

func TestExchangeRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *fixture, req *TokenRequest)
		wantErr error
	}{
		{
			name:    "missing verifier",
			mutate:  func(_ *fixture, req *TokenRequest) { req.CodeVerifier = "" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "redirect mismatch",
			mutate:  func(_ *fixture, req *TokenRequest) { req.RedirectURI = "https://app/cb/" },
			wantErr: ErrInvalidGrant,
		},
		{
			name:    "unknown client",
			mutate:  func(_ *fixture, req *TokenRequest) { req.ClientID = "nobody" },
			wantErr: ErrInvalidClient,
		},
		{
			name: "code bound to another client",
			mutate: func(_ *fixture, req *TokenRequest) {
				req.ClientID = "web"
				req.ClientSecret = "s3cret"
			},
			wantErr: ErrInvalidGrant,
		},
		{
			name:    "expired code",
			mutate:  func(f *fixture, _ *TokenRequest) { f.clock.Advance(5 * time.Minute) },
			wantErr: ErrInvalidGrant,
		},
		{
			name:    "unknown code",
			mutate:  func(_ *fixture, req *TokenRequest) { req.Code = "nope" },
			wantErr: ErrInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.DefaultRateLimitConfig())
			f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
			req := codeRequest("abc")
			tt.mutate(f, &req)

			_, err := f.svc.ExchangeAuthorizationCode(context.Background(), req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExchangeConfidentialClientSecret(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig())
	f.seedCode(t, "abc", "web", "https://web/cb", secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	ctx := context.Background()

	req := TokenRequest{
		Code:         "abc",
		RedirectURI:  "https://web/cb",
		ClientID:     "web",
		ClientSecret: "wrong",
		CodeVerifier: testVerifier,
	}
	if _, err := f.svc.ExchangeAuthorizationCode(ctx, req); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("expected invalid_client, got %v", err)
	}

	code, err := f.store.GetAuthorizationCode(ctx, secret.HashToken("abc"))
	if err != nil {
		t.Fatalf("load code: %v", err)
	}
	if code.UsedAt != nil {
		t.Fatalf("failed client authentication must not consume the code")
	}

	req.ClientSecret = "s3cret"
	if _, err := f.svc.ExchangeAuthorizationCode(ctx, req); err != nil {
		t.Fatalf("expected exchange with correct secret to succeed, got %v", err)
	}
}

func TestExchangeRateLimitedBeforeConsume(t *testing.T) {
	limits := config.DefaultRateLimitConfig()
	limits.Policies[config.RouteTokenAuthorizationCode] = config.RateLimitPolicy{Limit: 1, Window: time.Minute}
	f := newFixture(t, limits)
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	ctx := context.Background()

	if _, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("other")); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant, got %v", err)
	}

	_, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc"))
	var rateErr *ratelimit.RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rateErr.RetryAfterSeconds() < 1 {
		t.Fatalf("expected positive retry_after")
	}

	code, err := f.store.GetAuthorizationCode(ctx, secret.HashToken("abc"))
	if err != nil {
		t.Fatalf("load code: %v", err)
	}
	if code.UsedAt != nil {
		t.Fatalf("rate limited request must not consume the code")
	}

	f.clock.Advance(time.Minute)
	if _, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc")); err != nil {
		t.Fatalf("expected exchange in the next window to succeed, got %v", err)
	}
}

func TestAuthorizeIssuesRedeemableCode(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "code-1")
	ctx := context.Background()

	result, err := f.svc.Authorize(ctx, AuthorizeRequest{
		ClientID:            "cli1",
		RedirectURI:         testRedirectURI,
		Scopes:              []string{"blog:read"},
		State:               "xyz",
		CodeChallenge:       secret.S256Challenge(testVerifier),
		CodeChallengeMethod: "S256",
		UserID:              testUserID,
	})
	if err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if result.Code != "code-1" || result.State != "xyz" {
		t.Fatalf("unexpected authorize result: %+v", result)
	}

	resp, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("code-1"))
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if resp.UserID != testUserID.String() {
		t.Fatalf("expected user %s, got %s", testUserID, resp.UserID)
	}
}

func TestAuthorizeValidation(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig())
	ctx := context.Background()
	base := AuthorizeRequest{
		ClientID:            "cli1",
		RedirectURI:         testRedirectURI,
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		UserID:              testUserID,
	}

	noChallenge := base
	noChallenge.CodeChallenge = ""
	if _, err := f.svc.Authorize(ctx, noChallenge); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid_request without challenge, got %v", err)
	}

	badMethod := base
	badMethod.CodeChallengeMethod = "S512"
	if _, err := f.svc.Authorize(ctx, badMethod); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid_request for unknown method, got %v", err)
	}

	badRedirect := base
	badRedirect.RedirectURI = "https://evil/cb"
	if _, err := f.svc.Authorize(ctx, badRedirect); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid_request for unregistered redirect, got %v", err)
	}

	unknown := base
	unknown.ClientID = "nobody"
	if _, err := f.svc.Authorize(ctx, unknown); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("expected invalid_client, got %v", err)
	}
}

func TestRevokeToken(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "r1")
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	ctx := context.Background()

	if _, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc")); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	if err := f.svc.RevokeToken(ctx, RevokeRequest{Token: "r1", ClientID: "web", ClientSecret: "wrong"}); err != nil {
		t.Fatalf("bad client credentials must not surface an error, got %v", err)
	}
	if err := f.svc.RevokeToken(ctx, RevokeRequest{Token: "r1", ClientID: "web", ClientSecret: "s3cret"}); err != nil {
		t.Fatalf("foreign client revoke must not surface an error, got %v", err)
	}
	stored, err := f.store.GetRefreshToken(ctx, secret.HashToken("r1"))
	if err != nil {
		t.Fatalf("load r1: %v", err)
	}
	if stored.RevokedAt != nil {
		t.Fatalf("token must survive revocation by another client")
	}

	if err := f.svc.RevokeToken(ctx, RevokeRequest{Token: "r1", ClientID: "cli1"}); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := f.svc.RevokeToken(ctx, RevokeRequest{Token: "r1", ClientID: "cli1"}); err != nil {
		t.Fatalf("second revoke must be a no-op, got %v", err)
	}
	if err := f.svc.RevokeToken(ctx, RevokeRequest{Token: "unknown", ClientID: "cli1"}); err != nil {
		t.Fatalf("unknown token revoke must be a no-op, got %v", err)
	}

	_, err = f.svc.RefreshToken(ctx, RefreshRequest{RefreshToken: "r1", ClientID: "cli1"})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant after revoke, got %v", err)
	}
}

func TestDevicePollingScenario(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "dc1")
	f.svc.userCode = func() (string, error) { return "BCDF-GHJK", nil }
	ctx := context.Background()

	auth, err := f.svc.DeviceAuthorize(ctx, DeviceAuthorizeRequest{ClientID: "cli1", Scopes: []string{"blog:write"}})
	if err != nil {
		t.Fatalf("device authorize failed: %v", err)
	}
	if auth.DeviceCode != "dc1" || auth.UserCode != "BCDF-GHJK" || auth.Interval != 5 || auth.ExpiresIn != 900 {
		t.Fatalf("unexpected device authorization: %+v", auth)
	}
	if auth.VerificationURIComplete != "https://grove.test/device?user_code=BCDF-GHJK" {
		t.Fatalf("unexpected verification_uri_complete %q", auth.VerificationURIComplete)
	}

	poll := DeviceTokenRequest{DeviceCode: "dc1", ClientID: "cli1"}

	_, err = f.svc.DeviceCodeGrant(ctx, poll)
	var grantErr *GrantError
	if !errors.As(err, &grantErr) || grantErr.Code != CodeAuthorizationPending || grantErr.Interval != 5 {
		t.Fatalf("expected authorization_pending with interval 5, got %v", err)
	}

	f.clock.Advance(2 * time.Second)
	_, err = f.svc.DeviceCodeGrant(ctx, poll)
	if !errors.As(err, &grantErr) || grantErr.Code != CodeSlowDown || grantErr.Interval != 10 {
		t.Fatalf("expected slow_down with interval 10, got %v", err)
	}

	if err := f.svc.ApproveDevice(ctx, "bcdf ghjk", testUserID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	f.clock.Advance(10 * time.Second)
	resp, err := f.svc.DeviceCodeGrant(ctx, poll)
	if err != nil {
		t.Fatalf("expected tokens after approval, got %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.UserID != testUserID.String() {
		t.Fatalf("unexpected token response: %+v", resp)
	}

	f.clock.Advance(10 * time.Second)
	if _, err := f.svc.DeviceCodeGrant(ctx, poll); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant after issuance, got %v", err)
	}
}

func TestDevicePollCountsEveryPoll(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "dc1")
	ctx := context.Background()

	if _, err := f.svc.DeviceAuthorize(ctx, DeviceAuthorizeRequest{ClientID: "cli1"}); err != nil {
		t.Fatalf("device authorize failed: %v", err)
	}
	poll := DeviceTokenRequest{DeviceCode: "dc1", ClientID: "cli1"}
	for i := 0; i < 3; i++ {
		_, _ = f.svc.DeviceCodeGrant(ctx, poll)
		f.clock.Advance(time.Second)
	}

	record, err := f.store.GetDeviceCode(ctx, secret.HashToken("dc1"))
	if err != nil {
		t.Fatalf("load device code: %v", err)
	}
	if record.PollCount != 3 {
		t.Fatalf("expected 3 polls recorded, got %d", record.PollCount)
	}
	if record.IntervalSeconds != 15 {
		t.Fatalf("expected interval 15 after two slow_downs, got %d", record.IntervalSeconds)
	}
}

func TestDeviceDenied(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "dc1")
	f.svc.userCode = func() (string, error) { return "BCDF-GHJK", nil }
	ctx := context.Background()

	if _, err := f.svc.DeviceAuthorize(ctx, DeviceAuthorizeRequest{ClientID: "cli1"}); err != nil {
		t.Fatalf("device authorize failed: %v", err)
	}
	if err := f.svc.DenyDevice(ctx, "BCDF-GHJK", testUserID); err != nil {
		t.Fatalf("deny failed: %v", err)
	}
	if err := f.svc.ApproveDevice(ctx, "BCDF-GHJK", testUserID); !errors.Is(err, ErrUserCodeInvalid) {
		t.Fatalf("expected a decided code to reject approval, got %v", err)
	}

	poll := DeviceTokenRequest{DeviceCode: "dc1", ClientID: "cli1"}
	if _, err := f.svc.DeviceCodeGrant(ctx, poll); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access_denied, got %v", err)
	}
	f.clock.Advance(10 * time.Second)
	if _, err := f.svc.DeviceCodeGrant(ctx, poll); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected invalid_grant after denial was reported, got %v", err)
	}
}

func TestDeviceExpiry(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "dc1")
	f.svc.userCode = func() (string, error) { return "BCDF-GHJK", nil }
	ctx := context.Background()

	if _, err := f.svc.DeviceAuthorize(ctx, DeviceAuthorizeRequest{ClientID: "cli1"}); err != nil {
		t.Fatalf("device authorize failed: %v", err)
	}
	f.clock.Advance(15 * time.Minute)

	if err := f.svc.ApproveDevice(ctx, "BCDF-GHJK", testUserID); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired_token on approval, got %v", err)
	}
	poll := DeviceTokenRequest{DeviceCode: "dc1", ClientID: "cli1"}
	if _, err := f.svc.DeviceCodeGrant(ctx, poll); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired_token, got %v", err)
	}
	if _, err := f.store.GetDeviceCode(ctx, secret.HashToken("dc1")); !errors.Is(err, ErrDeviceCodeNotFound) {
		t.Fatalf("expected expired device code to be deleted, got %v", err)
	}
}

func TestDeviceUnknownClient(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig())
	if _, err := f.svc.DeviceAuthorize(context.Background(), DeviceAuthorizeRequest{ClientID: "nobody"}); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("expected invalid_client, got %v", err)
	}
}

func TestCleanupRemovesExpiredRows(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "r1", "dc1")
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	f.seedCode(t, "def", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	ctx := context.Background()

	if _, err := f.svc.ExchangeAuthorizationCode(ctx, codeRequest("abc")); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if _, err := f.svc.DeviceAuthorize(ctx, DeviceAuthorizeRequest{ClientID: "cli1"}); err != nil {
		t.Fatalf("device authorize failed: %v", err)
	}

	f.clock.Advance(20 * time.Minute)
	result, err := f.svc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if result.AuthorizationCodes != 2 || result.DeviceCodes != 1 || result.RefreshTokens != 0 {
		t.Fatalf("unexpected cleanup result: %+v", result)
	}

	again, err := f.svc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("second cleanup failed: %v", err)
	}
	if again != (CleanupResult{}) {
		t.Fatalf("expected second cleanup to delete nothing, got %+v", again)
	}
}

func TestCleanupRunnerWithoutRedis(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig())
	f.seedCode(t, "abc", "cli1", testRedirectURI, secret.S256Challenge(testVerifier), secret.PKCEMethodS256)
	f.clock.Advance(20 * time.Minute)

	runner := NewCleanupRunner(Config{CleanupInterval: time.Minute}, f.svc, nil, nil, zap.NewNop())
	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	again, err := f.svc.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if again != (CleanupResult{}) {
		t.Fatalf("expected runner to have swept expired rows, got %+v", again)
	}
}

func TestNormalizeUserCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "BCDF-GHJK", want: "BCDF-GHJK", ok: true},
		{in: "bcdfghjk", want: "BCDF-GHJK", ok: true},
		{in: " bcdf ghjk ", want: "BCDF-GHJK", ok: true},
		{in: "BCDF-GHJ", ok: false},
		{in: "ABCD-EFGH", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := NormalizeUserCode(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("NormalizeUserCode(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestGenerateUserCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateUserCode()
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		normalized, ok := NormalizeUserCode(code)
		if !ok || normalized != code {
			t.Fatalf("generated code %q is not in canonical form", code)
		}
	}
}

func TestUnknownScopeRejected(t *testing.T) {
	f := newFixture(t, config.DefaultRateLimitConfig(), "code-1", "dc1")
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, AuthorizeRequest{
		ClientID:            "cli1",
		RedirectURI:         testRedirectURI,
		Scopes:              []string{"blog:read", "billing:admin"},
		CodeChallenge:       secret.S256Challenge(testVerifier),
		CodeChallengeMethod: "S256",
		UserID:              testUserID,
	})
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected invalid_scope from authorize, got %v", err)
	}

	_, err = f.svc.DeviceAuthorize(ctx, DeviceAuthorizeRequest{ClientID: "cli1", Scopes: []string{"root"}})
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected invalid_scope from device authorize, got %v", err)
	}
}
