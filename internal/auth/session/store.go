package session

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Session is one signed-in device of a user.
type Session struct {
	ID           string       `gorm:"column:id;type:text;primaryKey" json:"id"`
	UserID       snowflake.ID `gorm:"column:user_id;not null;index" json:"user_id"`
	Fingerprint  string       `gorm:"column:fingerprint;type:text;not null" json:"-"`
	DeviceName   string       `gorm:"column:device_name;type:text;not null;default:''" json:"device_name"`
	UserAgent    string       `gorm:"column:user_agent;type:text;not null;default:''" json:"user_agent"`
	CreatedAt    time.Time    `gorm:"column:created_at;not null" json:"created_at"`
	LastActiveAt time.Time    `gorm:"column:last_active_at;not null" json:"last_active_at"`
	ExpiresAt    time.Time    `gorm:"column:expires_at;not null" json:"expires_at"`
	RevokedAt    *time.Time   `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
}

func (Session) TableName() string { return "user_sessions" }

func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Store persists sessions. Callers serialize writes per user.
type Store interface {
	ListActive(ctx context.Context, userID snowflake.ID) ([]Session, error)
	Create(ctx context.Context, s *Session) error
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeAll(ctx context.Context, userID snowflake.ID, exceptID string, at time.Time) (int64, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// ListActive returns the user's sessions that have not been revoked. Expiry
// is checked by the caller.
func (s *gormStore) ListActive(ctx context.Context, userID snowflake.ID) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Order("created_at ASC").
		Find(&sessions).Error
	return sessions, err
}

func (s *gormStore) Create(ctx context.Context, sess *Session) error {
	return s.db.WithContext(ctx).Create(sess).Error
}

func (s *gormStore) Touch(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("last_active_at", at).Error
}

func (s *gormStore) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (s *gormStore) RevokeAll(ctx context.Context, userID snowflake.ID, exceptID string, at time.Time) (int64, error) {
	q := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID)
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	tx := q.Update("revoked_at", at)
	return tx.RowsAffected, tx.Error
}
