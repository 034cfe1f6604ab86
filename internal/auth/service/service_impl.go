package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grove/internal/auth/domain"
	"github.com/smallbiznis/grove/internal/auth/secret"
	"github.com/smallbiznis/grove/internal/clock"
	"go.uber.org/zap"
)

type Service struct {
	log      *zap.Logger
	users    domain.UserRepository
	sessions domain.LegacySessionRepository
	clock    clock.Clock
}

func New(log *zap.Logger, users domain.UserRepository, sessions domain.LegacySessionRepository, clk clock.Clock) domain.Service {
	return &Service{
		log:      log.Named("auth.service"),
		users:    users,
		sessions: sessions,
		clock:    clk,
	}
}

// Authenticate looks up a legacy session by the hash of its raw token.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (*domain.Session, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return nil, domain.ErrInvalidSession
	}

	session, err := s.sessions.ByTokenHash(ctx, secret.HashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrInvalidSession
		}
		return nil, err
	}

	now := s.clock.Now()
	if session.RevokedAt != nil {
		return nil, domain.ErrSessionRevoked
	}
	if !now.Before(session.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}

	if err := s.sessions.Touch(ctx, session.ID, now); err != nil {
		return nil, err
	}
	session.LastSeenAt = now

	return session, nil
}

// Logout revokes a legacy session. Unknown or already revoked tokens are a no-op.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return nil
	}

	session, err := s.sessions.ByTokenHash(ctx, secret.HashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return err
	}

	revoked, err := s.sessions.Revoke(ctx, session.ID, s.clock.Now())
	if err != nil {
		return err
	}
	if revoked {
		s.log.Info("legacy session revoked",
			zap.String("session_id", session.ID.String()),
			zap.String("user_id", session.UserID.String()),
		)
	}
	return nil
}

func (s *Service) User(ctx context.Context, id snowflake.ID) (*domain.User, error) {
	if id == 0 {
		return nil, domain.ErrUserNotFound
	}
	return s.users.ByID(ctx, id)
}

func (s *Service) UserByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, domain.ErrUserNotFound
	}
	return s.users.ByExternalID(ctx, externalID)
}
