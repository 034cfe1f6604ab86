package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grove/internal/auth/accesstoken"
	authdomain "github.com/smallbiznis/grove/internal/auth/domain"
)

const AccessTokenCookie = "access_token"

type TokenValidator interface {
	Validate(token string) (*accesstoken.Claims, error)
}

type UserLoader interface {
	User(ctx context.Context, id snowflake.ID) (*authdomain.User, error)
}

// AccessTokenResolver accepts OAuth2 access tokens from the Authorization
// header or the access_token cookie. The subject must still exist.
type AccessTokenResolver struct {
	tokens TokenValidator
	users  UserLoader
}

func NewAccessTokenResolver(tokens TokenValidator, users UserLoader) *AccessTokenResolver {
	return &AccessTokenResolver{tokens: tokens, users: users}
}

func (a *AccessTokenResolver) Name() string { return string(SourceAccessToken) }

func (a *AccessTokenResolver) Resolve(ctx context.Context, r *http.Request) Outcome {
	token := bearerToken(r)
	if token == "" {
		token = cookieValue(r, AccessTokenCookie)
	}
	if token == "" {
		return skip()
	}

	claims, err := a.tokens.Validate(token)
	if err != nil {
		return skip()
	}
	userID, err := snowflake.ParseString(claims.Subject)
	if err != nil || userID == 0 {
		return skip()
	}
	if _, err := a.users.User(ctx, userID); err != nil {
		if errors.Is(err, authdomain.ErrUserNotFound) {
			return skip()
		}
		return reject()
	}
	return resolved(Identity{
		UserID:   userID,
		ClientID: claims.ClientID,
		Scopes:   claims.Scopes(),
		Source:   SourceAccessToken,
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	value, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}
