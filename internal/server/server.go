package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/grove/internal/audit"
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	"github.com/smallbiznis/grove/internal/auth"
	"github.com/smallbiznis/grove/internal/auth/accesstoken"
	authdomain "github.com/smallbiznis/grove/internal/auth/domain"
	"github.com/smallbiznis/grove/internal/auth/oauth2provider"
	"github.com/smallbiznis/grove/internal/auth/resolver"
	"github.com/smallbiznis/grove/internal/auth/scope"
	"github.com/smallbiznis/grove/internal/auth/session"
	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/internal/observability"
	obslogger "github.com/smallbiznis/grove/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/grove/internal/observability/metrics"
	obstracing "github.com/smallbiznis/grove/internal/observability/tracing"
	"github.com/smallbiznis/grove/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	audit.Module,
	auth.Module,
	accesstoken.Module,
	session.Module,
	resolver.Module,
	ratelimit.Module,
	oauth2provider.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
		QuietRoutes:     []string{"/health", "/metrics"},
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	authsvc  authdomain.Service
	auditSvc auditdomain.Service
	sessions *session.Registry
	codec    *session.Codec
	cookies  *session.Manager
	chain    *resolver.Chain
	limiter  *ratelimit.Limiter
	clock    clock.Clock
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Cfg      config.Config
	Authsvc  authdomain.Service
	AuditSvc auditdomain.Service
	Sessions *session.Registry
	Codec    *session.Codec
	Cookies  *session.Manager
	Chain    *resolver.Chain
	Limiter  *ratelimit.Limiter
	Clock    clock.Clock
	OAuth2   *oauth2provider.Handler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		authsvc:  p.Authsvc,
		auditSvc: p.AuditSvc,
		sessions: p.Sessions,
		codec:    p.Codec,
		cookies:  p.Cookies,
		chain:    p.Chain,
		limiter:  p.Limiter,
		clock:    p.Clock,
	}

	oauth2provider.RegisterRoutes(svc.engine, p.OAuth2, resolver.GinMiddleware(p.Chain))
	svc.registerSessionRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Identity resolution runs after the rate limit so a rejected request never
// touches session state or the external provider.
func (s *Server) registerSessionRoutes() {
	read := s.RateLimit(config.RouteSessionRead)
	write := s.RateLimit(config.RouteSessionWrite)
	identify := resolver.GinMiddleware(s.chain)
	manage := []gin.HandlerFunc{identify, resolver.RequireIdentity(), resolver.RequireScope(scope.ScopeSessionsManage)}

	sess := s.engine.Group("/session")

	sess.POST("/create", write, s.ServiceAuthRequired(), s.CreateSession)
	sess.POST("/validate-service", read, s.ServiceAuthRequired(), s.ValidateServiceToken)

	sess.POST("/validate", read, identify, s.ValidateSession)
	sess.GET("/check", read, identify, s.CheckSession)
	sess.POST("/revoke", write, identify, s.RevokeSession)

	sess.GET("/list", routeHandlers(read, manage, s.ListSessions)...)
	sess.POST("/revoke-all", routeHandlers(write, manage, s.RevokeAllSessions)...)
	sess.DELETE("/:sessionId", routeHandlers(write, manage, s.DeleteSession)...)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", resolver.GinMiddleware(s.chain), resolver.RequireIdentity(), s.AdminRequired())
	admin.GET("/audit-logs", s.ListAuditLogs)
}

func routeHandlers(limit gin.HandlerFunc, guards []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(guards)+2)
	out = append(out, limit)
	out = append(out, guards...)
	return append(out, handler)
}
