package resolver

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grove/internal/auth/session"
	"github.com/smallbiznis/grove/internal/observability/metrics"
	"go.uber.org/zap"
)

type CookieDecoder interface {
	Decode(value string) (*session.CookiePayload, bool)
}

type SessionValidator interface {
	ValidateSession(ctx context.Context, userID snowflake.ID, sessionID string) (session.ValidateResult, error)
}

// SessionResolver checks the session cookie against the user's session actor.
type SessionResolver struct {
	cookies  *session.Manager
	codec    CookieDecoder
	sessions SessionValidator
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewSessionResolver(cookies *session.Manager, codec CookieDecoder, sessions SessionValidator, m *metrics.Metrics, log *zap.Logger) *SessionResolver {
	return &SessionResolver{
		cookies:  cookies,
		codec:    codec,
		sessions: sessions,
		metrics:  m,
		log:      log.Named("auth.resolver.session"),
	}
}

func (s *SessionResolver) Name() string { return string(SourceSession) }

func (s *SessionResolver) Resolve(ctx context.Context, r *http.Request) Outcome {
	value, ok := s.cookies.ReadRequest(r)
	if !ok {
		return skip()
	}
	// Values that do not decode may be raw legacy session tokens.
	payload, ok := s.codec.Decode(value)
	if !ok {
		return skip()
	}
	if payload.Legacy {
		s.metrics.RecordLegacyCookie(ctx)
	}

	userID, err := snowflake.ParseString(payload.UserID)
	if err != nil || userID == 0 {
		return reject()
	}

	result, err := s.sessions.ValidateSession(ctx, userID, payload.SessionID)
	if err != nil {
		s.log.Warn("session validation failed", zap.Error(err))
		return reject()
	}
	if !result.Valid {
		return reject()
	}
	return resolved(Identity{
		UserID:    userID,
		SessionID: payload.SessionID,
		Source:    SourceSession,
	})
}
