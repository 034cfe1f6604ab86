package resolver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/grove/internal/auth/scope"
	"github.com/smallbiznis/grove/internal/auth/session"
	"github.com/smallbiznis/grove/internal/observability/obscontext"
)

const ginIdentityKey = "auth.identity"

type ctxKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || !identity.Authenticated() {
		return Identity{}, false
	}
	return identity, true
}

// GinMiddleware resolves the caller once per request and stores the result
// on both the gin and the request context.
func GinMiddleware(chain *Chain) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		identity := chain.Resolve(ctx, c.Request)

		c.Set(ginIdentityKey, identity)
		ctx = WithIdentity(ctx, identity)
		if identity.Authenticated() {
			ctx = obscontext.WithActor(ctx, "user", identity.UserID.String())
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func FromGin(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ginIdentityKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	if !ok || !identity.Authenticated() {
		return Identity{}, false
	}
	return identity, true
}

func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := FromGin(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// RequestForToken presents a bare credential the way a browser would send
// it, so service callers resolve through the same chain as cookie callers.
func RequestForToken(ctx context.Context, token string) *http.Request {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: token})
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: token})
	return req
}

// RequireScope limits access-token callers to tokens granting required.
// Cookie sessions act with the user's full authority.
func RequireScope(required scope.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := FromGin(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if identity.Source == SourceAccessToken && !scope.Has(identity.Scopes, required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient_scope"})
			return
		}
		c.Next()
	}
}
