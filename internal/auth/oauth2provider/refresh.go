package oauth2provider

import (
	"context"
	"errors"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	"github.com/smallbiznis/grove/internal/auth/secret"
	"github.com/smallbiznis/grove/internal/config"
	"go.uber.org/zap"
)

type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	ClientIP     string
}

type RevokeRequest struct {
	Token        string
	ClientID     string
	ClientSecret string
}

// RefreshToken rotates a refresh token. Presenting a token that was already
// rotated or revoked is treated as theft of the family.
func (s *Service) RefreshToken(ctx context.Context, req RefreshRequest) (resp *TokenResponse, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordGrant(ctx, GrantTypeRefreshToken, grantOutcome(err), time.Since(start)) }()

	if strings.TrimSpace(req.RefreshToken) == "" || strings.TrimSpace(req.ClientID) == "" {
		return nil, ErrInvalidRequest
	}
	if err := s.allow(ctx, config.RouteTokenRefresh, req.ClientIP, req.ClientID); err != nil {
		return nil, err
	}
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	oldHash := secret.HashToken(req.RefreshToken)
	current, err := s.store.GetRefreshToken(ctx, oldHash)
	if errors.Is(err, ErrRefreshNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	if current.RevokedAt != nil {
		return nil, s.handleReplay(ctx, current)
	}

	now := s.clock.Now()
	if current.ClientID != client.ClientID || !now.Before(current.ExpiresAt) {
		return nil, ErrInvalidGrant
	}

	rawRefresh, err := s.tokenGen.NewToken()
	if err != nil {
		return nil, err
	}
	next := &RefreshToken{
		TokenHash: secret.HashToken(rawRefresh),
		FamilyID:  current.FamilyID,
		ClientID:  current.ClientID,
		UserID:    current.UserID,
		Scopes:    current.Scopes,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
		CreatedAt: now,
	}
	rotated, err := s.store.RotateRefreshToken(ctx, oldHash, next, now)
	if err != nil {
		return nil, err
	}
	if !rotated {
		// A concurrent request rotated the token between the read and the update.
		return nil, s.handleReplay(ctx, current)
	}

	resp, err = s.accessTokenResponse(current.ClientID, current.UserID, current.Scopes, rawRefresh)
	if err != nil {
		return nil, err
	}

	s.record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeClient,
		ActorID:    client.ClientID,
		Action:     auditdomain.ActionRefreshRotated,
		TargetType: "refresh_family",
		TargetID:   current.FamilyID,
		Metadata:   map[string]any{"user_id": current.UserID.String()},
	})
	return resp, nil
}

func (s *Service) handleReplay(ctx context.Context, token *RefreshToken) error {
	var revoked int64
	if s.cfg.ReuseRevokesFamily {
		n, err := s.store.RevokeFamily(ctx, token.FamilyID, s.clock.Now())
		if err != nil {
			return err
		}
		revoked = n
		s.metrics.RecordRevocation(ctx, "replay", n)
	}

	s.log.Warn("refresh token replay detected",
		zap.String("client_id", token.ClientID),
		zap.String("user_id", token.UserID.String()),
		zap.Int64("revoked", revoked),
	)
	s.record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeClient,
		ActorID:    token.ClientID,
		Action:     auditdomain.ActionRefreshReplay,
		TargetType: "refresh_family",
		TargetID:   token.FamilyID,
		Metadata: map[string]any{
			"user_id":        token.UserID.String(),
			"family_revoked": s.cfg.ReuseRevokesFamily,
			"revoked_count":  revoked,
		},
	})
	return ErrInvalidGrant
}

// RevokeToken revokes the refresh token family the token belongs to. It
// reports success for unknown tokens and for failed client authentication;
// only storage failures are returned.
func (s *Service) RevokeToken(ctx context.Context, req RevokeRequest) error {
	if strings.TrimSpace(req.Token) == "" || strings.TrimSpace(req.ClientID) == "" {
		return nil
	}
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if errors.Is(err, ErrInvalidClient) {
		s.log.Info("token revocation ignored, client authentication failed",
			zap.String("client_id", req.ClientID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	token, err := s.store.GetRefreshToken(ctx, secret.HashToken(req.Token))
	if errors.Is(err, ErrRefreshNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if token.ClientID != client.ClientID {
		return nil
	}

	n, err := s.store.RevokeFamily(ctx, token.FamilyID, s.clock.Now())
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	s.metrics.RecordRevocation(ctx, "client", n)
	s.record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeClient,
		ActorID:    client.ClientID,
		Action:     auditdomain.ActionTokenRevoked,
		TargetType: "refresh_family",
		TargetID:   token.FamilyID,
		Metadata:   map[string]any{"revoked_count": n},
	})
	return nil
}
