package oauth2provider

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Store provides persistence for OAuth2 provider data. Only hashes of
// codes, device codes and refresh tokens are ever written.
type Store interface {
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)

	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	ConsumeAuthorizationCode(ctx context.Context, codeHash string, usedAt time.Time) (bool, error)

	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken, revokedAt time.Time) (bool, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string, revokedAt time.Time) (bool, error)
	RevokeFamily(ctx context.Context, familyID string, revokedAt time.Time) (int64, error)

	CreateDeviceCode(ctx context.Context, code *DeviceCode) error
	GetDeviceCode(ctx context.Context, deviceCodeHash string) (*DeviceCode, error)
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCode, error)
	RecordDevicePoll(ctx context.Context, deviceCodeHash string, polledAt time.Time, intervalSeconds int) error
	SetDeviceStatus(ctx context.Context, userCode string, status DeviceStatus, userID snowflake.ID) (bool, error)
	DeleteDeviceCode(ctx context.Context, deviceCodeHash string) error
	DeleteAuthorizedDeviceCode(ctx context.Context, deviceCodeHash string) (bool, error)

	DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error)
	DeleteExpiredDeviceCodes(ctx context.Context, before time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) CreateClient(ctx context.Context, client *Client) error {
	return s.db.WithContext(ctx).Create(client).Error
}

func (s *gormStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *gormStore) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	return s.db.WithContext(ctx).Create(code).Error
}

func (s *gormStore) GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	var code AuthorizationCode
	err := s.db.WithContext(ctx).Where("code_hash = ?", codeHash).First(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

// ConsumeAuthorizationCode marks the code used. It reports false when the
// code does not exist or another caller consumed it first.
func (s *gormStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string, usedAt time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).
		Model(&AuthorizationCode{}).
		Where("code_hash = ? AND used_at IS NULL", codeHash).
		Update("used_at", usedAt)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (s *gormStore) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	return s.db.WithContext(ctx).Create(token).Error
}

func (s *gormStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var token RefreshToken
	err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// RotateRefreshToken revokes oldHash and stores next in one transaction.
// It reports false, storing nothing, when oldHash was already revoked.
func (s *gormStore) RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken, revokedAt time.Time) (bool, error) {
	rotated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RefreshToken{}).
			Where("token_hash = ? AND revoked_at IS NULL", oldHash).
			Updates(map[string]any{
				"revoked_at":       revokedAt,
				"replaced_by_hash": next.TokenHash,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		rotated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return rotated, nil
}

func (s *gormStore) RevokeRefreshToken(ctx context.Context, tokenHash string, revokedAt time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).
		Model(&RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", tokenHash).
		Update("revoked_at", revokedAt)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (s *gormStore) RevokeFamily(ctx context.Context, familyID string, revokedAt time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).
		Model(&RefreshToken{}).
		Where("family_id = ? AND revoked_at IS NULL", familyID).
		Update("revoked_at", revokedAt)
	return tx.RowsAffected, tx.Error
}

func (s *gormStore) CreateDeviceCode(ctx context.Context, code *DeviceCode) error {
	return s.db.WithContext(ctx).Create(code).Error
}

func (s *gormStore) GetDeviceCode(ctx context.Context, deviceCodeHash string) (*DeviceCode, error) {
	var code DeviceCode
	err := s.db.WithContext(ctx).Where("device_code_hash = ?", deviceCodeHash).First(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (s *gormStore) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCode, error) {
	var code DeviceCode
	err := s.db.WithContext(ctx).Where("user_code = ?", userCode).First(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (s *gormStore) RecordDevicePoll(ctx context.Context, deviceCodeHash string, polledAt time.Time, intervalSeconds int) error {
	return s.db.WithContext(ctx).
		Model(&DeviceCode{}).
		Where("device_code_hash = ?", deviceCodeHash).
		Updates(map[string]any{
			"poll_count":       gorm.Expr("poll_count + 1"),
			"last_poll_at":     polledAt,
			"interval_seconds": intervalSeconds,
		}).Error
}

// SetDeviceStatus moves a pending device code to status. It reports false
// when the code is unknown or no longer pending.
func (s *gormStore) SetDeviceStatus(ctx context.Context, userCode string, status DeviceStatus, userID snowflake.ID) (bool, error) {
	tx := s.db.WithContext(ctx).
		Model(&DeviceCode{}).
		Where("user_code = ? AND status = ?", userCode, DeviceStatusPending).
		Updates(map[string]any{
			"status":  status,
			"user_id": userID,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (s *gormStore) DeleteDeviceCode(ctx context.Context, deviceCodeHash string) error {
	return s.db.WithContext(ctx).
		Where("device_code_hash = ?", deviceCodeHash).
		Delete(&DeviceCode{}).Error
}

// DeleteAuthorizedDeviceCode deletes the row only while it is authorized.
// Exactly one concurrent poller observes true.
func (s *gormStore) DeleteAuthorizedDeviceCode(ctx context.Context, deviceCodeHash string) (bool, error) {
	tx := s.db.WithContext(ctx).
		Where("device_code_hash = ? AND status = ?", deviceCodeHash, DeviceStatusAuthorized).
		Delete(&DeviceCode{})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (s *gormStore) DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&AuthorizationCode{})
	return tx.RowsAffected, tx.Error
}

func (s *gormStore) DeleteExpiredDeviceCodes(ctx context.Context, before time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&DeviceCode{})
	return tx.RowsAffected, tx.Error
}

func (s *gormStore) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&RefreshToken{})
	return tx.RowsAffected, tx.Error
}
