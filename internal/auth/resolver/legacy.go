package resolver

import (
	"context"
	"errors"
	"net/http"

	authdomain "github.com/smallbiznis/grove/internal/auth/domain"
	"github.com/smallbiznis/grove/internal/auth/session"
	"go.uber.org/zap"
)

// LegacySessionResolver looks up the raw session cookie in the database
// session table.
type LegacySessionResolver struct {
	cookies *session.Manager
	auth    authdomain.Service
	log     *zap.Logger
}

func NewLegacySessionResolver(cookies *session.Manager, auth authdomain.Service, log *zap.Logger) *LegacySessionResolver {
	return &LegacySessionResolver{
		cookies: cookies,
		auth:    auth,
		log:     log.Named("auth.resolver.legacy"),
	}
}

func (l *LegacySessionResolver) Name() string { return string(SourceLegacySession) }

func (l *LegacySessionResolver) Resolve(ctx context.Context, r *http.Request) Outcome {
	value, ok := l.cookies.ReadRequest(r)
	if !ok {
		return skip()
	}

	sess, err := l.auth.Authenticate(ctx, value)
	switch {
	case err == nil:
		return resolved(Identity{
			UserID:    sess.UserID,
			SessionID: sess.ID.String(),
			Source:    SourceLegacySession,
		})
	case errors.Is(err, authdomain.ErrSessionRevoked):
		return reject()
	case errors.Is(err, authdomain.ErrInvalidSession), errors.Is(err, authdomain.ErrSessionExpired):
		return skip()
	default:
		l.log.Warn("legacy session lookup failed", zap.Error(err))
		return reject()
	}
}
