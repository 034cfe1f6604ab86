package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	authdomain "github.com/smallbiznis/grove/internal/auth/domain"
	"github.com/smallbiznis/grove/internal/config"
	obstracing "github.com/smallbiznis/grove/internal/observability/tracing"
	"go.uber.org/zap"
)

const maxIntrospectionBody = 64 << 10

type UserLookup interface {
	UserByExternalID(ctx context.Context, externalID string) (*authdomain.User, error)
}

// ExternalResolver asks an external identity provider about its own session
// cookie and maps the subject to a local user.
type ExternalResolver struct {
	url        string
	cookieName string
	secret     string
	timeout    time.Duration
	client     *http.Client
	users      UserLookup
	log        *zap.Logger
}

type introspectionRequest struct {
	Token string `json:"token"`
}

type introspectionResponse struct {
	Active  bool   `json:"active"`
	Subject string `json:"sub"`
}

// NewExternalResolver returns nil when no introspection URL is configured.
func NewExternalResolver(cfg config.ExternalIDPConfig, client *http.Client, users UserLookup, log *zap.Logger) *ExternalResolver {
	if strings.TrimSpace(cfg.IntrospectionURL) == "" {
		return nil
	}
	if client == nil {
		client = obstracing.WrapHTTPClient(http.DefaultClient)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ExternalResolver{
		url:        cfg.IntrospectionURL,
		cookieName: cfg.CookieName,
		secret:     cfg.ClientSecret,
		timeout:    timeout,
		client:     client,
		users:      users,
		log:        log.Named("auth.resolver.external"),
	}
}

func (e *ExternalResolver) Name() string { return string(SourceExternal) }

// Resolve treats an unreachable provider as no credential.
func (e *ExternalResolver) Resolve(ctx context.Context, r *http.Request) Outcome {
	token := cookieValue(r, e.cookieName)
	if token == "" {
		return skip()
	}

	subject, err := e.introspect(ctx, token)
	if err != nil {
		e.log.Warn("identity provider introspection failed", zap.Error(err))
		return skip()
	}
	if subject == "" {
		return skip()
	}

	user, err := e.users.UserByExternalID(ctx, subject)
	if err != nil {
		if !errors.Is(err, authdomain.ErrUserNotFound) {
			e.log.Warn("external user lookup failed", zap.Error(err))
		}
		return skip()
	}
	return resolved(Identity{
		UserID: user.ID,
		Source: SourceExternal,
	})
}

func (e *ExternalResolver) introspect(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(introspectionRequest{Token: token})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.secret != "" {
		req.Header.Set("Authorization", "Bearer "+e.secret)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("introspection returned status %d", resp.StatusCode)
	}

	var out introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIntrospectionBody)).Decode(&out); err != nil {
		return "", err
	}
	if !out.Active {
		return "", nil
	}
	return strings.TrimSpace(out.Subject), nil
}
