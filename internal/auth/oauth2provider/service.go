package oauth2provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	"github.com/smallbiznis/grove/internal/auth/accesstoken"
	"github.com/smallbiznis/grove/internal/auth/scope"
	"github.com/smallbiznis/grove/internal/auth/secret"
	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/internal/observability/metrics"
	"github.com/smallbiznis/grove/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

type RateLimiter interface {
	Allow(ctx context.Context, route, identity string) (ratelimit.RateLimitResult, error)
}

type AccessTokenIssuer interface {
	Issue(userID, clientID string, scopes []string) (string, time.Time, error)
	TTL() time.Duration
}

type TokenGenerator interface {
	NewToken() (string, error)
}

type defaultTokenGenerator struct{}

func (defaultTokenGenerator) NewToken() (string, error) {
	return secret.NewToken()
}

// Service is the token authority: it issues and redeems authorization codes,
// rotates refresh tokens and drives the device authorization state machine.
type Service struct {
	cfg      Config
	store    Store
	limiter  RateLimiter
	issuer   AccessTokenIssuer
	audit    auditdomain.Service
	metrics  *metrics.Metrics
	clock    clock.Clock
	tokenGen TokenGenerator
	userCode func() (string, error)
	log      *zap.Logger
}

func NewService(
	cfg Config,
	store Store,
	limiter *ratelimit.Limiter,
	issuer *accesstoken.Issuer,
	audit auditdomain.Service,
	m *metrics.Metrics,
	clk clock.Clock,
	log *zap.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		issuer:   issuer,
		audit:    audit,
		metrics:  m,
		clock:    clk,
		tokenGen: defaultTokenGenerator{},
		userCode: generateUserCode,
		log:      log.Named("auth.oauth2.provider"),
	}
}

type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              snowflake.ID
}

type AuthorizeResult struct {
	Code        string
	RedirectURI string
	State       string
	ExpiresAt   time.Time
}

type TokenRequest struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	ClientIP     string
}

type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	RefreshToken string   `json:"refresh_token"`
	Scope        string   `json:"scope"`
	UserID       string   `json:"-"`
	Scopes       []string `json:"-"`
}

// Authorize records an authorization code for a user who has approved the
// client. PKCE is mandatory for every client.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	clientID := strings.TrimSpace(req.ClientID)
	redirectURI := strings.TrimSpace(req.RedirectURI)
	challenge := strings.TrimSpace(req.CodeChallenge)
	if clientID == "" || redirectURI == "" || req.UserID == 0 || challenge == "" {
		return nil, ErrInvalidRequest
	}
	method, ok := secret.NormalizePKCEMethod(req.CodeChallengeMethod)
	if !ok {
		return nil, ErrInvalidRequest
	}

	if err := scope.Validate(req.Scopes); err != nil {
		return nil, ErrInvalidScope
	}
	scopes := scope.Normalize(req.Scopes)

	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, err
	}
	if !client.AllowsRedirect(redirectURI) {
		return nil, ErrInvalidRequest
	}

	rawCode, err := s.tokenGen.NewToken()
	if err != nil {
		return nil, err
	}

	expiresAt := s.clock.Now().Add(s.cfg.CodeTTL)
	code := &AuthorizationCode{
		CodeHash:            secret.HashToken(rawCode),
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		UserID:              req.UserID,
		Scopes:              scopes,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ExpiresAt:           expiresAt,
		CreatedAt:           s.clock.Now(),
	}
	if err := s.store.CreateAuthorizationCode(ctx, code); err != nil {
		return nil, err
	}

	s.record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeUser,
		ActorID:    req.UserID.String(),
		Action:     auditdomain.ActionCodeIssued,
		TargetType: "oauth_client",
		TargetID:   client.ClientID,
		Metadata:   map[string]any{"scopes": scopes, "code_challenge_method": method},
	})

	return &AuthorizeResult{
		Code:        rawCode,
		RedirectURI: redirectURI,
		State:       req.State,
		ExpiresAt:   expiresAt,
	}, nil
}

// ExchangeAuthorizationCode redeems a code for an access and refresh token
// pair. The code is consumed before any other check so it can never be
// redeemed twice, even when the first attempt fails verification.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (resp *TokenResponse, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordGrant(ctx, GrantTypeAuthorizationCode, grantOutcome(err), time.Since(start)) }()

	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.RedirectURI) == "" ||
		strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.CodeVerifier) == "" {
		return nil, ErrInvalidRequest
	}
	if err := s.allow(ctx, config.RouteTokenAuthorizationCode, req.ClientIP, req.ClientID); err != nil {
		return nil, err
	}
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	codeHash := secret.HashToken(req.Code)
	consumed, err := s.store.ConsumeAuthorizationCode(ctx, codeHash, now)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, ErrInvalidGrant
	}

	code, err := s.store.GetAuthorizationCode(ctx, codeHash)
	if errors.Is(err, ErrCodeNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	if !now.Before(code.ExpiresAt) ||
		code.ClientID != client.ClientID ||
		code.RedirectURI != req.RedirectURI ||
		!secret.VerifyPKCE(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
		return nil, ErrInvalidGrant
	}

	resp, err = s.issueTokens(ctx, client.ClientID, code.UserID, code.Scopes, newFamilyID())
	if err != nil {
		return nil, err
	}

	s.record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeClient,
		ActorID:    client.ClientID,
		Action:     auditdomain.ActionTokenIssued,
		TargetType: "user",
		TargetID:   code.UserID.String(),
		Metadata:   map[string]any{"grant_type": GrantTypeAuthorizationCode, "scopes": code.Scopes},
	})
	return resp, nil
}

// issueTokens stores a fresh refresh token in familyID and signs an access
// token for the same grant.
func (s *Service) issueTokens(ctx context.Context, clientID string, userID snowflake.ID, scopes []string, familyID string) (*TokenResponse, error) {
	rawRefresh, err := s.tokenGen.NewToken()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	refresh := &RefreshToken{
		TokenHash: secret.HashToken(rawRefresh),
		FamilyID:  familyID,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateRefreshToken(ctx, refresh); err != nil {
		return nil, err
	}
	return s.accessTokenResponse(clientID, userID, scopes, rawRefresh)
}

func (s *Service) accessTokenResponse(clientID string, userID snowflake.ID, scopes []string, rawRefresh string) (*TokenResponse, error) {
	accessToken, _, err := s.issuer.Issue(userID.String(), clientID, scopes)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.issuer.TTL().Seconds()),
		RefreshToken: rawRefresh,
		Scope:        strings.Join(scopes, " "),
		UserID:       userID.String(),
		Scopes:       scopes,
	}, nil
}

// authenticateClient is read-only. Public clients have no secret to check.
func (s *Service) authenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	client, err := s.store.GetClient(ctx, strings.TrimSpace(clientID))
	if errors.Is(err, ErrClientNotFound) {
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return client, nil
	}
	if clientSecret == "" || !secret.Verify(clientSecret, *client.SecretHash) {
		return nil, ErrInvalidClient
	}
	return client, nil
}

func (s *Service) allow(ctx context.Context, route, ip, clientID string) error {
	if s.limiter == nil {
		return nil
	}
	_, err := s.limiter.Allow(ctx, route, ratelimit.Identity(ip, clientID))
	return err
}

// record writes an audit entry. Audit failures never fail the grant.
func (s *Service) record(ctx context.Context, entry auditdomain.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log.Warn("failed to record audit entry",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

func grantOutcome(err error) string {
	if err == nil {
		return "issued"
	}
	var grantErr *GrantError
	if errors.As(err, &grantErr) {
		return grantErr.Code
	}
	var rateErr *ratelimit.RateLimitError
	if errors.As(err, &rateErr) {
		return "rate_limited"
	}
	return "server_error"
}

func newFamilyID() string {
	return ulid.Make().String()
}

// ParseScopes splits a space or comma separated scope parameter.
func ParseScopes(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(parts) == 0 {
		return nil
	}
	return parts
}
