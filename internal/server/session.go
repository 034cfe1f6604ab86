package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	authdomain "github.com/smallbiznis/grove/internal/auth/domain"
	"github.com/smallbiznis/grove/internal/auth/resolver"
	"github.com/smallbiznis/grove/internal/auth/session"
	"github.com/smallbiznis/grove/internal/observability/logger"
	"go.uber.org/zap"
)

type createSessionRequest struct {
	UserID    string `json:"user_id"`
	UserAgent string `json:"user_agent"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	Cookie    string    `json:"cookie"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateSession is called by the sign-in frontend after it has verified the
// user. The cookie value is returned for the caller to set.
func (s *Server) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	if _, err := s.authsvc.User(ctx, userID); err != nil {
		AbortWithError(c, err)
		return
	}

	header := c.Request.Header.Clone()
	if ua := strings.TrimSpace(req.UserAgent); ua != "" {
		header.Set("User-Agent", ua)
	}
	sessionID, err := s.sessions.CreateSession(ctx, userID, session.DeviceInfoFromHeader(header))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	cookie, err := s.codec.Encode(sessionID, userID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeService,
		Action:     auditdomain.ActionSessionCreated,
		TargetType: "user",
		TargetID:   userID.String(),
		Metadata:   map[string]any{"session_id": sessionID},
	})

	c.JSON(http.StatusOK, createSessionResponse{
		SessionID: sessionID,
		Cookie:    cookie,
		ExpiresAt: s.clock.Now().Add(s.sessions.TTL()),
	})
}

type validateResponse struct {
	Valid     bool   `json:"valid"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Source    string `json:"source,omitempty"`
}

func validateBody(identity resolver.Identity) validateResponse {
	if !identity.Authenticated() {
		return validateResponse{Valid: false}
	}
	return validateResponse{
		Valid:     true,
		UserID:    identity.UserID.String(),
		SessionID: identity.SessionID,
		Source:    string(identity.Source),
	}
}

// ValidateSession reports the identity resolved for the request's cookies.
func (s *Server) ValidateSession(c *gin.Context) {
	identity, _ := resolver.FromGin(c)
	if !identity.Authenticated() {
		if _, present := s.cookies.ReadToken(c); present {
			s.cookies.Clear(c)
		}
	}
	c.JSON(http.StatusOK, validateBody(identity))
}

type validateServiceRequest struct {
	Token string `json:"token"`
}

// ValidateServiceToken resolves a credential handed over by another service
// in the request body.
func (s *Server) ValidateServiceToken(c *gin.Context) {
	var req validateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		AbortWithError(c, newValidationError("token", "invalid_token", "token is required"))
		return
	}
	ctx := c.Request.Context()
	identity := s.chain.Resolve(ctx, resolver.RequestForToken(ctx, strings.TrimSpace(req.Token)))
	c.JSON(http.StatusOK, validateBody(identity))
}

// RevokeSession ends the caller's current session. It succeeds without a
// session too.
func (s *Server) RevokeSession(c *gin.Context) {
	ctx := c.Request.Context()
	identity, ok := resolver.FromGin(c)

	revoked := false
	if ok {
		switch identity.Source {
		case resolver.SourceSession:
			var err error
			revoked, err = s.sessions.RevokeSession(ctx, identity.UserID, identity.SessionID)
			if err != nil {
				AbortWithError(c, err)
				return
			}
		case resolver.SourceLegacySession:
			raw, _ := s.cookies.ReadToken(c)
			if err := s.authsvc.Logout(ctx, raw); err != nil {
				AbortWithError(c, err)
				return
			}
			revoked = true
		}
	}
	if revoked {
		s.recordAudit(ctx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeUser,
			ActorID:    identity.UserID.String(),
			Action:     auditdomain.ActionSessionRevoked,
			TargetType: "session",
			TargetID:   identity.SessionID,
		})
	}

	s.cookies.Clear(c)
	c.JSON(http.StatusOK, gin.H{"success": true, "revoked": revoked})
}

type revokeAllRequest struct {
	KeepCurrent *bool `json:"keep_current"`
}

// RevokeAllSessions ends every session of the caller, keeping the current
// one unless keep_current is false.
func (s *Server) RevokeAllSessions(c *gin.Context) {
	identity, _ := resolver.FromGin(c)

	var req revokeAllRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	keep := req.KeepCurrent == nil || *req.KeepCurrent

	except := ""
	if keep && identity.Source == resolver.SourceSession {
		except = identity.SessionID
	}

	ctx := c.Request.Context()
	count, err := s.sessions.RevokeAllSessions(ctx, identity.UserID, except)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if count > 0 {
		s.recordAudit(ctx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeUser,
			ActorID:    identity.UserID.String(),
			Action:     auditdomain.ActionSessionsRevokedAll,
			TargetType: "user",
			TargetID:   identity.UserID.String(),
			Metadata:   map[string]any{"revoked": count},
		})
	}
	if except == "" && identity.Source == resolver.SourceSession {
		s.cookies.Clear(c)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "revoked": count})
}

func (s *Server) ListSessions(c *gin.Context) {
	identity, _ := resolver.FromGin(c)
	sessions, err := s.sessions.ListSessions(c.Request.Context(), identity.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	current := ""
	if identity.Source == resolver.SourceSession {
		current = identity.SessionID
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "current_session_id": current})
}

// DeleteSession revokes one of the caller's sessions by id. Unknown ids
// succeed so session ids cannot be probed.
func (s *Server) DeleteSession(c *gin.Context) {
	identity, _ := resolver.FromGin(c)
	sessionID := strings.TrimSpace(c.Param("sessionId"))

	ctx := c.Request.Context()
	revoked, err := s.sessions.RevokeSession(ctx, identity.UserID, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if revoked {
		s.recordAudit(ctx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeUser,
			ActorID:    identity.UserID.String(),
			Action:     auditdomain.ActionSessionRevoked,
			TargetType: "session",
			TargetID:   sessionID,
		})
	}
	if identity.Source == resolver.SourceSession && identity.SessionID == sessionID {
		s.cookies.Clear(c)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type checkUser struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

type checkResponse struct {
	Authenticated bool       `json:"authenticated"`
	User          *checkUser `json:"user"`
}

// CheckSession answers in the shape older frontends expect.
func (s *Server) CheckSession(c *gin.Context) {
	identity, ok := resolver.FromGin(c)
	if !ok {
		c.JSON(http.StatusOK, checkResponse{})
		return
	}

	user, err := s.authsvc.User(c.Request.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, authdomain.ErrUserNotFound) {
			c.JSON(http.StatusOK, checkResponse{})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkResponse{
		Authenticated: true,
		User: &checkUser{
			ID:      user.ID.String(),
			Email:   user.Email,
			IsAdmin: user.IsAdmin,
		},
	})
}

func (s *Server) recordAudit(ctx context.Context, entry auditdomain.Entry) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, entry); err != nil {
		logger.FromContext(ctx).Warn("audit record failed", zap.String("action", entry.Action), zap.Error(err))
	}
}
