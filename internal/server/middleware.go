package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/grove/internal/auth/resolver"
	"github.com/smallbiznis/grove/internal/auth/secret"
	"github.com/smallbiznis/grove/internal/observability/logger"
	"github.com/smallbiznis/grove/internal/ratelimit"
	"go.uber.org/zap"
)

// ServiceAuthRequired admits callers presenting SERVICE_SECRET as a bearer
// token. With no secret configured every call is refused.
func (s *Server) ServiceAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.ServiceSecret)
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.SplitN(header, " ", 2)
		if expected == "" || len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
			!secret.Equal(strings.TrimSpace(parts[1]), expected) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// AdminRequired loads the resolved user and checks the admin flag.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := resolver.FromGin(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		user, err := s.authsvc.User(c.Request.Context(), identity.UserID)
		if err != nil || !user.IsAdmin {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// RateLimit counts the request against route, keyed by client IP.
func (s *Server) RateLimit(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, err := s.limiter.Allow(ctx, route, ratelimit.Identity(c.ClientIP(), "")); err != nil {
			logger.FromContext(ctx).Debug("request rate limited", zap.String("route", route))
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func writeRateLimited(c *gin.Context, err *ratelimit.RateLimitError) {
	retryAfter := err.RetryAfterSeconds()
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limit",
		"retry_after": retryAfter,
	})
}
