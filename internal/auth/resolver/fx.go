package resolver

import (
	"github.com/smallbiznis/grove/internal/auth/accesstoken"
	authdomain "github.com/smallbiznis/grove/internal/auth/domain"
	"github.com/smallbiznis/grove/internal/auth/session"
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("auth.resolver",
	fx.Provide(NewChainFromDeps),
)

type Params struct {
	fx.In

	Cfg      config.Config
	Cookies  *session.Manager
	Codec    *session.Codec
	Registry *session.Registry
	Issuer   *accesstoken.Issuer
	Auth     authdomain.Service
	Metrics  *metrics.Metrics `optional:"true"`
	Log      *zap.Logger
}

// NewChainFromDeps builds the production order: session actor, access
// token, legacy database session, external provider.
func NewChainFromDeps(p Params) *Chain {
	resolvers := []Resolver{
		NewSessionResolver(p.Cookies, p.Codec, p.Registry, p.Metrics, p.Log),
		NewAccessTokenResolver(p.Issuer, p.Auth),
		NewLegacySessionResolver(p.Cookies, p.Auth, p.Log),
	}
	if external := NewExternalResolver(p.Cfg.ExternalIDP, nil, p.Auth, p.Log); external != nil {
		resolvers = append(resolvers, external)
	}
	return NewChain(p.Metrics, p.Log, resolvers...)
}
