package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grove/internal/auth/domain"
	"gorm.io/gorm"
)

type userRepo struct {
	db *gorm.DB
}

type sessionRepo struct {
	db *gorm.DB
}

func New(db *gorm.DB) (domain.UserRepository, domain.LegacySessionRepository) {
	return &userRepo{db: db}, &sessionRepo{db: db}
}

func (r *userRepo) Insert(ctx context.Context, user *domain.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *userRepo) ByID(ctx context.Context, id snowflake.ID) (*domain.User, error) {
	return first[domain.User](ctx, r.db, domain.ErrUserNotFound, "id = ?", id)
}

func (r *userRepo) ByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	return first[domain.User](ctx, r.db, domain.ErrUserNotFound, "external_id = ?", externalID)
}

func (r *sessionRepo) Insert(ctx context.Context, session *domain.Session) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *sessionRepo) ByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	return first[domain.Session](ctx, r.db, domain.ErrSessionNotFound, "session_token_hash = ?", tokenHash)
}

func (r *sessionRepo) Touch(ctx context.Context, id snowflake.ID, seenAt time.Time) error {
	tx := r.db.WithContext(ctx).
		Model(&domain.Session{}).
		Scopes(byID(id)).
		Update("last_seen_at", seenAt)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// Revoke reports whether this call flipped the row to revoked.
func (r *sessionRepo) Revoke(ctx context.Context, id snowflake.ID, revokedAt time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&domain.Session{}).
		Scopes(byID(id)).
		Where("revoked_at IS NULL").
		Update("revoked_at", revokedAt)
	return tx.RowsAffected > 0, tx.Error
}

func byID(id snowflake.ID) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", id)
	}
}

func first[T any](ctx context.Context, db *gorm.DB, notFound error, query string, args ...any) (*T, error) {
	var row T
	err := db.WithContext(ctx).Where(query, args...).Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, notFound
	case err != nil:
		return nil, err
	}
	return &row, nil
}
