// Package resolver turns the credentials on an incoming request into the
// identity of the caller. Resolvers run in a fixed order; the first one
// that resolves or rejects settles the request.
package resolver

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grove/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Source string

const (
	SourceSession       Source = "session"
	SourceAccessToken   Source = "access_token"
	SourceLegacySession Source = "legacy_session"
	SourceExternal      Source = "external"
)

// Identity is the resolved caller. The zero value is unauthenticated.
type Identity struct {
	UserID    snowflake.ID
	ClientID  string
	Scopes    []string
	SessionID string
	Source    Source
}

func (i Identity) Authenticated() bool {
	return i.UserID != 0
}

type Decision int

const (
	// Skip means the resolver found no credential it understands.
	Skip Decision = iota
	// Resolved means the credential is valid.
	Resolved
	// Reject means the credential is present and definitively invalid. The
	// chain stops so no later credential can stand in for it.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Resolved:
		return "resolved"
	case Reject:
		return "rejected"
	default:
		return "skipped"
	}
}

type Outcome struct {
	Decision Decision
	Identity Identity
}

func skip() Outcome   { return Outcome{Decision: Skip} }
func reject() Outcome { return Outcome{Decision: Reject} }

func resolved(identity Identity) Outcome {
	return Outcome{Decision: Resolved, Identity: identity}
}

type Resolver interface {
	Name() string
	Resolve(ctx context.Context, r *http.Request) Outcome
}

// Chain runs resolvers in order.
type Chain struct {
	resolvers []Resolver
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewChain(m *metrics.Metrics, log *zap.Logger, resolvers ...Resolver) *Chain {
	list := make([]Resolver, 0, len(resolvers))
	for _, r := range resolvers {
		if r != nil {
			list = append(list, r)
		}
	}
	return &Chain{
		resolvers: list,
		metrics:   m,
		log:       log.Named("auth.resolver"),
	}
}

// Resolve never fails; a request nobody vouches for yields the zero Identity.
func (c *Chain) Resolve(ctx context.Context, r *http.Request) Identity {
	ctx, span := otel.Tracer("grove/auth").Start(ctx, "auth.resolve")
	defer span.End()

	for _, res := range c.resolvers {
		start := time.Now()
		out := res.Resolve(ctx, r)
		if out.Decision == Skip {
			continue
		}

		c.metrics.RecordResolution(ctx, res.Name(), out.Decision.String())
		span.SetAttributes(
			attribute.String("auth.resolver", res.Name()),
			attribute.String("auth.decision", out.Decision.String()),
		)
		if out.Decision == Reject {
			c.log.Debug("credential rejected",
				zap.String("resolver", res.Name()),
				zap.Duration("elapsed", time.Since(start)),
			)
			return Identity{}
		}
		return out.Identity
	}

	c.metrics.RecordResolution(ctx, "none", "anonymous")
	return Identity{}
}
