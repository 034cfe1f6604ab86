package oauth2provider

import (
	"context"
	"crypto/rand"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	"github.com/smallbiznis/grove/internal/auth/scope"
	"github.com/smallbiznis/grove/internal/auth/secret"
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/pkg/db"
)

// userCodeAlphabet has no vowels and no easily confused characters.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

const userCodeAttempts = 5

type DeviceAuthorizeRequest struct {
	ClientID string
	Scopes   []string
	ClientIP string
}

type DeviceAuthorizeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type DeviceTokenRequest struct {
	DeviceCode string
	ClientID   string
	ClientIP   string
}

// DeviceAuthorize starts a device authorization (RFC 8628 section 3.2).
func (s *Service) DeviceAuthorize(ctx context.Context, req DeviceAuthorizeRequest) (*DeviceAuthorizeResponse, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, ErrInvalidRequest
	}
	if err := scope.Validate(req.Scopes); err != nil {
		return nil, ErrInvalidScope
	}
	if err := s.allow(ctx, config.RouteDeviceAuthorize, req.ClientIP, req.ClientID); err != nil {
		return nil, err
	}
	client, err := s.store.GetClient(ctx, strings.TrimSpace(req.ClientID))
	if errors.Is(err, ErrClientNotFound) {
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, err
	}

	rawDeviceCode, err := s.tokenGen.NewToken()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	interval := int(s.cfg.DeviceInterval / time.Second)
	record := &DeviceCode{
		DeviceCodeHash:  secret.HashToken(rawDeviceCode),
		ClientID:        client.ClientID,
		Status:          DeviceStatusPending,
		IntervalSeconds: interval,
		Scopes:          scope.Normalize(req.Scopes),
		ExpiresAt:       now.Add(s.cfg.DeviceCodeTTL),
		CreatedAt:       now,
	}

	for attempt := 1; ; attempt++ {
		record.UserCode, err = s.userCode()
		if err != nil {
			return nil, err
		}
		err = s.store.CreateDeviceCode(ctx, record)
		if err == nil {
			break
		}
		if !db.IsDuplicateKeyErr(err) || attempt == userCodeAttempts {
			return nil, err
		}
	}

	s.record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeClient,
		ActorID:    client.ClientID,
		Action:     auditdomain.ActionDeviceRequested,
		TargetType: "device_code",
		TargetID:   record.UserCode,
		Metadata:   map[string]any{"scopes": record.Scopes},
	})

	return &DeviceAuthorizeResponse{
		DeviceCode:              rawDeviceCode,
		UserCode:                record.UserCode,
		VerificationURI:         s.cfg.VerificationURI,
		VerificationURIComplete: verificationURIComplete(s.cfg.VerificationURI, record.UserCode),
		ExpiresIn:               int(s.cfg.DeviceCodeTTL / time.Second),
		Interval:                interval,
	}, nil
}

// DeviceCodeGrant answers one poll from a device. Every poll that reaches a
// live record is counted, including slow_down answers.
func (s *Service) DeviceCodeGrant(ctx context.Context, req DeviceTokenRequest) (resp *TokenResponse, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordGrant(ctx, GrantTypeDeviceCode, grantOutcome(err), time.Since(start)) }()

	if strings.TrimSpace(req.DeviceCode) == "" || strings.TrimSpace(req.ClientID) == "" {
		return nil, ErrInvalidRequest
	}
	if err := s.allow(ctx, config.RouteTokenDeviceCode, req.ClientIP, req.ClientID); err != nil {
		return nil, err
	}
	client, err := s.store.GetClient(ctx, strings.TrimSpace(req.ClientID))
	if errors.Is(err, ErrClientNotFound) {
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, err
	}

	hash := secret.HashToken(req.DeviceCode)
	record, err := s.store.GetDeviceCode(ctx, hash)
	if errors.Is(err, ErrDeviceCodeNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	if record.ClientID != client.ClientID {
		return nil, ErrInvalidGrant
	}

	now := s.clock.Now()
	if !now.Before(record.ExpiresAt) || record.Status == DeviceStatusExpired {
		if err := s.store.DeleteDeviceCode(ctx, hash); err != nil {
			return nil, err
		}
		return nil, ErrExpiredToken
	}

	interval := record.IntervalSeconds
	if record.LastPollAt != nil && now.Sub(*record.LastPollAt) < record.Interval() {
		interval += int(s.cfg.DeviceSlowDownStep / time.Second)
		if err := s.store.RecordDevicePoll(ctx, hash, now, interval); err != nil {
			return nil, err
		}
		return nil, slowDown(interval)
	}
	if err := s.store.RecordDevicePoll(ctx, hash, now, interval); err != nil {
		return nil, err
	}

	switch record.Status {
	case DeviceStatusPending:
		return nil, authorizationPending(interval)
	case DeviceStatusDenied:
		if err := s.store.DeleteDeviceCode(ctx, hash); err != nil {
			return nil, err
		}
		return nil, ErrAccessDenied
	case DeviceStatusAuthorized:
		deleted, err := s.store.DeleteAuthorizedDeviceCode(ctx, hash)
		if err != nil {
			return nil, err
		}
		if !deleted || record.UserID == nil {
			return nil, ErrInvalidGrant
		}
		resp, err = s.issueTokens(ctx, client.ClientID, *record.UserID, record.Scopes, newFamilyID())
		if err != nil {
			return nil, err
		}
		s.record(ctx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeClient,
			ActorID:    client.ClientID,
			Action:     auditdomain.ActionTokenIssued,
			TargetType: "user",
			TargetID:   record.UserID.String(),
			Metadata:   map[string]any{"grant_type": GrantTypeDeviceCode, "scopes": record.Scopes},
		})
		return resp, nil
	default:
		return nil, ErrInvalidGrant
	}
}

// ApproveDevice binds a pending device code to userID.
func (s *Service) ApproveDevice(ctx context.Context, userCode string, userID snowflake.ID) error {
	return s.decideDevice(ctx, userCode, userID, DeviceStatusAuthorized, auditdomain.ActionDeviceApproved)
}

// DenyDevice rejects a pending device code. The next poll reports access_denied.
func (s *Service) DenyDevice(ctx context.Context, userCode string, userID snowflake.ID) error {
	return s.decideDevice(ctx, userCode, userID, DeviceStatusDenied, auditdomain.ActionDeviceDenied)
}

func (s *Service) decideDevice(ctx context.Context, rawUserCode string, userID snowflake.ID, status DeviceStatus, action string) error {
	userCode, ok := NormalizeUserCode(rawUserCode)
	if !ok || userID == 0 {
		return ErrUserCodeInvalid
	}
	record, err := s.store.GetDeviceCodeByUserCode(ctx, userCode)
	if errors.Is(err, ErrDeviceCodeNotFound) {
		return ErrUserCodeInvalid
	}
	if err != nil {
		return err
	}
	if !s.clock.Now().Before(record.ExpiresAt) {
		return ErrExpiredToken
	}

	updated, err := s.store.SetDeviceStatus(ctx, userCode, status, userID)
	if err != nil {
		return err
	}
	if !updated {
		return ErrUserCodeInvalid
	}

	s.record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeUser,
		ActorID:    userID.String(),
		Action:     action,
		TargetType: "device_code",
		TargetID:   userCode,
		Metadata:   map[string]any{"client_id": record.ClientID},
	})
	return nil
}

// NormalizeUserCode uppercases a user code, drops separators and restores
// the XXXX-XXXX form.
func NormalizeUserCode(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if r == '-' || r == ' ' {
			continue
		}
		if !strings.ContainsRune(userCodeAlphabet, r) {
			return "", false
		}
		b.WriteRune(r)
	}
	code := b.String()
	if len(code) != 8 {
		return "", false
	}
	return code[:4] + "-" + code[4:], true
}

func generateUserCode() (string, error) {
	const n = len(userCodeAlphabet)
	// Reject bytes past the largest multiple of n to keep the draw uniform.
	const limit = 256 - 256%n

	out := make([]byte, 0, 9)
	buf := make([]byte, 16)
	for len(out) < 9 {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			if len(out) == 4 {
				out = append(out, '-')
			}
			out = append(out, userCodeAlphabet[int(b)%n])
			if len(out) == 9 {
				break
			}
		}
	}
	return string(out), nil
}

func verificationURIComplete(base, userCode string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("user_code", userCode)
	u.RawQuery = q.Encode()
	return u.String()
}
