package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service resolves users and legacy database sessions.
type Service interface {
	Authenticate(ctx context.Context, rawToken string) (*Session, error)
	Logout(ctx context.Context, rawToken string) error
	User(ctx context.Context, id snowflake.ID) (*User, error)
	UserByExternalID(ctx context.Context, externalID string) (*User, error)
}
