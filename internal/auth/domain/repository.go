package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// UserRepository reads platform accounts. Insert exists for seeding and
// for the external IdP provisioning path.
type UserRepository interface {
	Insert(ctx context.Context, user *User) error
	ByID(ctx context.Context, id snowflake.ID) (*User, error)
	ByExternalID(ctx context.Context, externalID string) (*User, error)
}

// LegacySessionRepository serves the database session tier that predates
// per-user session actors.
type LegacySessionRepository interface {
	Insert(ctx context.Context, session *Session) error
	ByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	Touch(ctx context.Context, id snowflake.ID, seenAt time.Time) error
	Revoke(ctx context.Context, id snowflake.ID, revokedAt time.Time) (bool, error)
}
