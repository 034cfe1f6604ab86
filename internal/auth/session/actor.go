package session

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/grove/pkg/db"
)

// DeviceInfo describes the device a session is created for.
type DeviceInfo struct {
	UserAgent   string
	Fingerprint string
	DeviceName  string
}

type ValidateResult struct {
	Valid   bool
	Session *Session
}

type SessionSummary struct {
	ID           string    `json:"id"`
	DeviceName   string    `json:"device_name"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type request struct {
	ctx    context.Context
	fn     func(ctx context.Context, a *actor) error
	result chan error
}

// actor owns the session set of one user. Only its goroutine touches
// sessions; every mutation is written to the store before memory changes.
type actor struct {
	userID   snowflake.ID
	registry *Registry
	inbox    chan request

	// pending counts callers holding this actor. Guarded by registry.mu.
	pending int

	loaded   bool
	sessions map[string]*Session
}

func newActor(userID snowflake.ID, r *Registry) *actor {
	return &actor{
		userID:   userID,
		registry: r,
		inbox:    make(chan request),
		sessions: make(map[string]*Session),
	}
}

func (a *actor) run() {
	r := a.registry
	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case req := <-a.inbox:
			req.result <- a.handle(req)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.idleTimeout)
		case <-idle.C:
			if r.retire(a) {
				return
			}
			idle.Reset(r.idleTimeout)
		case <-r.quit:
			r.retire(a)
			return
		}
	}
}

func (a *actor) handle(req request) error {
	if err := req.ctx.Err(); err != nil {
		return err
	}
	if !a.loaded {
		if err := a.load(req.ctx); err != nil {
			return err
		}
	}
	return req.fn(req.ctx, a)
}

func (a *actor) load(ctx context.Context) error {
	rows, err := a.registry.store.ListActive(ctx, a.userID)
	if err != nil {
		return err
	}
	now := a.registry.clock.Now()
	for i := range rows {
		s := rows[i]
		if s.Active(now) {
			a.sessions[s.ID] = &s
		}
	}
	a.loaded = true
	return nil
}

const createAttempts = 3

func (a *actor) create(ctx context.Context, info DeviceInfo) (string, error) {
	now := a.registry.clock.Now()
	s := &Session{
		UserID:       a.userID,
		Fingerprint:  info.Fingerprint,
		DeviceName:   info.DeviceName,
		UserAgent:    info.UserAgent,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(a.registry.ttl),
	}
	var err error
	for range createAttempts {
		s.ID = uuid.NewString()
		if err = a.registry.store.Create(ctx, s); !db.IsDuplicateKeyErr(err) {
			break
		}
	}
	if err != nil {
		return "", err
	}
	a.sessions[s.ID] = s
	return s.ID, nil
}

func (a *actor) validate(ctx context.Context, sessionID string) (ValidateResult, error) {
	s, ok := a.sessions[sessionID]
	if !ok {
		return ValidateResult{}, nil
	}
	now := a.registry.clock.Now()
	if !s.Active(now) {
		delete(a.sessions, sessionID)
		return ValidateResult{}, nil
	}
	if err := a.registry.store.Touch(ctx, sessionID, now); err != nil {
		return ValidateResult{}, err
	}
	s.LastActiveAt = now
	copied := *s
	return ValidateResult{Valid: true, Session: &copied}, nil
}

func (a *actor) revoke(ctx context.Context, sessionID string) (bool, error) {
	if _, ok := a.sessions[sessionID]; !ok {
		return false, nil
	}
	revoked, err := a.registry.store.Revoke(ctx, sessionID, a.registry.clock.Now())
	if err != nil {
		return false, err
	}
	delete(a.sessions, sessionID)
	return revoked, nil
}

func (a *actor) revokeAll(ctx context.Context, exceptID string) (int, error) {
	if _, err := a.registry.store.RevokeAll(ctx, a.userID, exceptID, a.registry.clock.Now()); err != nil {
		return 0, err
	}
	now := a.registry.clock.Now()
	count := 0
	for id, s := range a.sessions {
		if id == exceptID {
			continue
		}
		if s.Active(now) {
			count++
		}
		delete(a.sessions, id)
	}
	return count, nil
}

func (a *actor) list() []SessionSummary {
	now := a.registry.clock.Now()
	out := make([]SessionSummary, 0, len(a.sessions))
	for id, s := range a.sessions {
		if !s.Active(now) {
			delete(a.sessions, id)
			continue
		}
		out = append(out, SessionSummary{
			ID:           s.ID,
			DeviceName:   s.DeviceName,
			UserAgent:    s.UserAgent,
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
			ExpiresAt:    s.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out
}
