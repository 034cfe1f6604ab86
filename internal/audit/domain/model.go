package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Actions written by the identity core.
const (
	ActionCodeIssued         = "oauth.code.issued"
	ActionTokenIssued        = "oauth.token.issued"
	ActionRefreshRotated     = "oauth.refresh.rotated"
	ActionRefreshReplay      = "oauth.refresh.replay_detected"
	ActionTokenRevoked       = "oauth.token.revoked"
	ActionDeviceRequested    = "oauth.device.requested"
	ActionDeviceApproved     = "oauth.device.approved"
	ActionDeviceDenied       = "oauth.device.denied"
	ActionSessionCreated     = "session.created"
	ActionSessionRevoked     = "session.revoked"
	ActionSessionsRevokedAll = "session.revoked_all"
)

const (
	ActorTypeUser    = "user"
	ActorTypeClient  = "client"
	ActorTypeService = "service"
	ActorTypeSystem  = "system"
)

type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorType  string            `gorm:"column:actor_type;type:text;not null" json:"actor_type"`
	ActorID    *string           `gorm:"column:actor_id;type:text" json:"actor_id,omitempty"`
	Action     string            `gorm:"column:action;type:text;not null" json:"action"`
	TargetType string            `gorm:"column:target_type;type:text;not null" json:"target_type"`
	TargetID   *string           `gorm:"column:target_id;type:text" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"column:metadata;type:jsonb;not null;default:'{}'" json:"metadata"`
	IPAddress  *string           `gorm:"column:ip_address;type:text" json:"ip_address,omitempty"`
	UserAgent  *string           `gorm:"column:user_agent;type:text" json:"user_agent,omitempty"`
	CreatedAt  time.Time         `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Entry is what callers hand to Service.Record.
type Entry struct {
	ActorType  string
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}
