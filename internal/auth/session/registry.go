package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/internal/observability/metrics"
	"go.uber.org/zap"
)

var ErrRegistryClosed = errors.New("session registry is closed")

// Registry routes every call for a user to that user's actor, starting it
// on demand. Different users never share a lock beyond the map lookup.
type Registry struct {
	store       Store
	clock       clock.Clock
	ttl         time.Duration
	idleTimeout time.Duration
	metrics     *metrics.Metrics
	jobs        *metrics.JobMetrics
	log         *zap.Logger

	mu     sync.Mutex
	actors map[snowflake.ID]*actor
	quit   chan struct{}
	closed bool
}

type RegistryConfig struct {
	TTL         time.Duration
	IdleTimeout time.Duration
}

func NewRegistryConfig(cfg config.Config) RegistryConfig {
	return RegistryConfig{
		TTL:         cfg.Session.TTL,
		IdleTimeout: cfg.Session.ActorIdleTimeout,
	}
}

func NewRegistry(cfg RegistryConfig, store Store, clk clock.Clock, m *metrics.Metrics, jobs *metrics.JobMetrics, log *zap.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Registry{
		store:       store,
		clock:       clk,
		ttl:         cfg.TTL,
		idleTimeout: cfg.IdleTimeout,
		metrics:     m,
		jobs:        jobs,
		log:         log.Named("auth.session"),
		actors:      make(map[snowflake.ID]*actor),
		quit:        make(chan struct{}),
	}
}

func (r *Registry) CreateSession(ctx context.Context, userID snowflake.ID, info DeviceInfo) (string, error) {
	var id string
	err := r.do(ctx, userID, func(ctx context.Context, a *actor) error {
		var err error
		id, err = a.create(ctx, info)
		return err
	})
	r.metrics.RecordSessionOp(ctx, "create", outcome(err, true))
	return id, err
}

// ValidateSession reports whether sessionID is a live session of userID and
// bumps its last activity.
func (r *Registry) ValidateSession(ctx context.Context, userID snowflake.ID, sessionID string) (ValidateResult, error) {
	if userID == 0 || strings.TrimSpace(sessionID) == "" {
		r.metrics.RecordSessionOp(ctx, "validate", "invalid")
		return ValidateResult{}, nil
	}
	var result ValidateResult
	err := r.do(ctx, userID, func(ctx context.Context, a *actor) error {
		var err error
		result, err = a.validate(ctx, sessionID)
		return err
	})
	r.metrics.RecordSessionOp(ctx, "validate", outcome(err, result.Valid))
	return result, err
}

// RevokeSession reports whether a live session was revoked. Unknown and
// already revoked sessions report false without error.
func (r *Registry) RevokeSession(ctx context.Context, userID snowflake.ID, sessionID string) (bool, error) {
	if userID == 0 || strings.TrimSpace(sessionID) == "" {
		return false, nil
	}
	var revoked bool
	err := r.do(ctx, userID, func(ctx context.Context, a *actor) error {
		var err error
		revoked, err = a.revoke(ctx, sessionID)
		return err
	})
	r.metrics.RecordSessionOp(ctx, "revoke", outcome(err, revoked))
	return revoked, err
}

// RevokeAllSessions revokes every session of userID except exceptSessionID
// and returns how many live sessions were revoked.
func (r *Registry) RevokeAllSessions(ctx context.Context, userID snowflake.ID, exceptSessionID string) (int, error) {
	if userID == 0 {
		return 0, nil
	}
	var count int
	err := r.do(ctx, userID, func(ctx context.Context, a *actor) error {
		var err error
		count, err = a.revokeAll(ctx, exceptSessionID)
		return err
	})
	r.metrics.RecordSessionOp(ctx, "revoke_all", outcome(err, count > 0))
	return count, err
}

func (r *Registry) ListSessions(ctx context.Context, userID snowflake.ID) ([]SessionSummary, error) {
	if userID == 0 {
		return []SessionSummary{}, nil
	}
	var out []SessionSummary
	err := r.do(ctx, userID, func(_ context.Context, a *actor) error {
		out = a.list()
		return nil
	})
	r.metrics.RecordSessionOp(ctx, "list", outcome(err, true))
	return out, err
}

// TTL is the lifetime given to new sessions.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// ActiveActors reports how many user actors are running.
func (r *Registry) ActiveActors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops every actor. Calls made afterwards fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.quit)
	r.mu.Unlock()
}

func (r *Registry) do(ctx context.Context, userID snowflake.ID, fn func(ctx context.Context, a *actor) error) error {
	a, err := r.acquire(userID)
	if err != nil {
		return err
	}
	defer r.release(a)

	req := request{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case a.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.quit:
		return ErrRegistryClosed
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) acquire(userID snowflake.ID) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	a, ok := r.actors[userID]
	if !ok {
		a = newActor(userID, r)
		r.actors[userID] = a
		r.jobs.ActorStarted()
		go a.run()
	}
	a.pending++
	return a, nil
}

func (r *Registry) release(a *actor) {
	r.mu.Lock()
	a.pending--
	r.mu.Unlock()
}

// retire removes an idle actor. It refuses while a caller still holds it,
// so no request can be sent to an actor that has stopped.
func (r *Registry) retire(a *actor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.pending > 0 && !r.closed {
		return false
	}
	if r.actors[a.userID] == a {
		delete(r.actors, a.userID)
		r.jobs.ActorRetired()
	}
	return true
}

func outcome(err error, ok bool) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "ok"
	default:
		return "noop"
	}
}
