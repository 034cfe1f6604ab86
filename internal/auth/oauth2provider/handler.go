package oauth2provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/grove/internal/auth/resolver"
	obslogger "github.com/smallbiznis/grove/internal/observability/logger"
	"github.com/smallbiznis/grove/internal/ratelimit"
	"go.uber.org/zap"
)

// Handler handles OAuth2 provider endpoints.
type Handler struct {
	svc *Service
	log *zap.Logger
}

func NewHandler(svc *Service, log *zap.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: log.Named("auth.oauth2.handler"),
	}
}

// RegisterRoutes mounts the OAuth endpoints. identify resolves the caller
// and is attached only to the routes acting on behalf of a signed-in user.
func RegisterRoutes(r gin.IRouter, h *Handler, identify gin.HandlerFunc) {
	r.POST("/token", h.Token)
	r.POST("/token/revoke", h.Revoke)
	r.POST("/device/authorize", h.DeviceAuthorize)

	authed := r.Group("", identify, resolver.RequireIdentity())
	authed.POST("/device/approve", h.DeviceApprove)
	authed.POST("/device/deny", h.DeviceDeny)
	authed.POST("/authorize/approve", h.AuthorizeApprove)
}

func (h *Handler) Token(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		h.writeOAuthError(c, ErrInvalidRequest)
		return
	}

	grantType := strings.TrimSpace(c.PostForm("grant_type"))
	c.Set(obslogger.KeyGrantType, grantType)

	clientID, clientSecret, ok := clientCredentials(c)
	if !ok {
		h.writeOAuthError(c, ErrInvalidClient)
		return
	}
	c.Set(obslogger.KeyClientID, clientID)

	ctx := c.Request.Context()
	var (
		resp *TokenResponse
		err  error
	)
	switch grantType {
	case GrantTypeAuthorizationCode:
		resp, err = h.svc.ExchangeAuthorizationCode(ctx, TokenRequest{
			Code:         strings.TrimSpace(c.PostForm("code")),
			RedirectURI:  strings.TrimSpace(c.PostForm("redirect_uri")),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			CodeVerifier: strings.TrimSpace(c.PostForm("code_verifier")),
			ClientIP:     c.ClientIP(),
		})
	case GrantTypeRefreshToken:
		resp, err = h.svc.RefreshToken(ctx, RefreshRequest{
			RefreshToken: strings.TrimSpace(c.PostForm("refresh_token")),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			ClientIP:     c.ClientIP(),
		})
	case GrantTypeDeviceCode:
		resp, err = h.svc.DeviceCodeGrant(ctx, DeviceTokenRequest{
			DeviceCode: strings.TrimSpace(c.PostForm("device_code")),
			ClientID:   clientID,
			ClientIP:   c.ClientIP(),
		})
	case "":
		err = ErrInvalidRequest
	default:
		err = ErrUnsupportedGrantType
	}
	if err != nil {
		h.writeOAuthError(c, err)
		return
	}

	h.log.Info("oauth2 token issued",
		zap.String("grant_type", grantType),
		zap.String("client_id", clientID),
		zap.String("user_id", resp.UserID),
	)

	noStore(c)
	c.JSON(http.StatusOK, resp)
}

// Revoke implements RFC 7009. The response never reveals whether the token
// existed.
func (h *Handler) Revoke(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		h.writeOAuthError(c, ErrInvalidRequest)
		return
	}
	// Conflicting Basic and form client ids count as failed client
	// authentication, which revocation answers with a silent success.
	clientID, clientSecret, ok := clientCredentials(c)
	if !ok {
		h.log.Info("token revocation ignored, conflicting client ids")
		noStore(c)
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	err := h.svc.RevokeToken(c.Request.Context(), RevokeRequest{
		Token:        strings.TrimSpace(c.PostForm("token")),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		h.writeOAuthError(c, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) DeviceAuthorize(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		h.writeOAuthError(c, ErrInvalidRequest)
		return
	}
	clientID, _, ok := clientCredentials(c)
	if !ok {
		h.writeOAuthError(c, ErrInvalidClient)
		return
	}

	resp, err := h.svc.DeviceAuthorize(c.Request.Context(), DeviceAuthorizeRequest{
		ClientID: clientID,
		Scopes:   ParseScopes(c.PostForm("scope")),
		ClientIP: c.ClientIP(),
	})
	if err != nil {
		h.writeOAuthError(c, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, resp)
}

type userCodeRequest struct {
	UserCode string `json:"user_code" form:"user_code"`
}

func (h *Handler) DeviceApprove(c *gin.Context) {
	h.decideDevice(c, h.svc.ApproveDevice, "approved")
}

func (h *Handler) DeviceDeny(c *gin.Context) {
	h.decideDevice(c, h.svc.DenyDevice, "denied")
}

func (h *Handler) decideDevice(c *gin.Context, decide func(context.Context, string, snowflake.ID) error, status string) {
	identity, _ := resolver.FromGin(c)

	var req userCodeRequest
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.UserCode) == "" {
		h.writeOAuthError(c, ErrInvalidRequest)
		return
	}

	if err := decide(c.Request.Context(), req.UserCode, identity.UserID); err != nil {
		if errors.Is(err, ErrUserCodeInvalid) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user_code"})
			return
		}
		h.writeOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

type authorizeApproveRequest struct {
	ClientID            string `json:"client_id" form:"client_id"`
	RedirectURI         string `json:"redirect_uri" form:"redirect_uri"`
	Scope               string `json:"scope" form:"scope"`
	State               string `json:"state" form:"state"`
	CodeChallenge       string `json:"code_challenge" form:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method" form:"code_challenge_method"`
}

// AuthorizeApprove issues an authorization code for the signed-in user and
// returns the client redirect carrying it.
func (h *Handler) AuthorizeApprove(c *gin.Context) {
	identity, _ := resolver.FromGin(c)

	var req authorizeApproveRequest
	if err := c.ShouldBind(&req); err != nil {
		h.writeOAuthError(c, ErrInvalidRequest)
		return
	}

	result, err := h.svc.Authorize(c.Request.Context(), AuthorizeRequest{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              ParseScopes(req.Scope),
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              identity.UserID,
	})
	if err != nil {
		h.writeOAuthError(c, err)
		return
	}

	redirectURL, err := appendAuthCode(result.RedirectURI, result.Code, result.State)
	if err != nil {
		h.writeOAuthError(c, ErrInvalidRequest)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, gin.H{"redirect_uri": redirectURL})
}

func (h *Handler) writeOAuthError(c *gin.Context, err error) {
	noStore(c)

	var rateErr *ratelimit.RateLimitError
	if errors.As(err, &rateErr) {
		retryAfter := rateErr.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit",
			"retry_after": retryAfter,
		})
		return
	}

	var grantErr *GrantError
	if errors.As(err, &grantErr) {
		status := http.StatusBadRequest
		if grantErr.Code == CodeInvalidClient {
			status = http.StatusUnauthorized
			c.Header("WWW-Authenticate", `Basic realm="grove"`)
		}
		body := gin.H{
			"error":             grantErr.Code,
			"error_description": grantErr.Description(),
		}
		if grantErr.Interval > 0 {
			body["interval"] = grantErr.Interval
		}
		c.Set(obslogger.KeyOAuthError, grantErr.Code)
		c.AbortWithStatusJSON(status, body)
		return
	}

	h.log.Error("oauth2 request failed", zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}

// clientCredentials reads client_id/client_secret from the form or from
// HTTP Basic auth. Conflicting ids are rejected.
func clientCredentials(c *gin.Context) (string, string, bool) {
	clientID := strings.TrimSpace(c.PostForm("client_id"))
	clientSecret := strings.TrimSpace(c.PostForm("client_secret"))

	basicID, basicSecret := parseBasicAuth(c)
	if basicID != "" {
		if clientID != "" && clientID != basicID {
			return "", "", false
		}
		clientID = basicID
		clientSecret = basicSecret
	}
	return clientID, clientSecret, true
}

func parseBasicAuth(c *gin.Context) (string, string) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Basic") {
		return "", ""
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ""
	}
	creds := strings.SplitN(string(decoded), ":", 2)
	if len(creds) != 2 {
		return "", ""
	}
	id, _ := url.QueryUnescape(creds[0])
	secret, _ := url.QueryUnescape(creds[1])
	return id, secret
}

func appendAuthCode(rawRedirectURI, code, state string) (string, error) {
	redirectURL, err := url.Parse(rawRedirectURI)
	if err != nil {
		return "", err
	}
	query := redirectURL.Query()
	query.Set("code", code)
	if state != "" {
		query.Set("state", state)
	}
	redirectURL.RawQuery = query.Encode()
	return redirectURL.String(), nil
}
