package oauth2provider

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Client is a registered OAuth client. A nil SecretHash marks a public client.
type Client struct {
	ClientID     string    `gorm:"column:client_id;type:text;primaryKey"`
	Name         string    `gorm:"column:name;type:text;not null;default:''"`
	SecretHash   *string   `gorm:"column:secret_hash;type:text"`
	RedirectURIs []string  `gorm:"column:redirect_uris;type:jsonb;serializer:json"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

func (Client) TableName() string { return "oauth_clients" }

func (c *Client) IsPublic() bool {
	return c.SecretHash == nil || *c.SecretHash == ""
}

// AllowsRedirect reports whether uri exactly matches a registered redirect URI.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode stores an issued OAuth2 authorization code.
type AuthorizationCode struct {
	CodeHash            string       `gorm:"column:code_hash;type:text;primaryKey"`
	ClientID            string       `gorm:"column:client_id;type:text;not null;index"`
	RedirectURI         string       `gorm:"column:redirect_uri;type:text;not null"`
	UserID              snowflake.ID `gorm:"column:user_id;not null;index"`
	Scopes              []string     `gorm:"column:scopes;type:jsonb;serializer:json"`
	CodeChallenge       string       `gorm:"column:code_challenge;type:text;not null"`
	CodeChallengeMethod string       `gorm:"column:code_challenge_method;type:text;not null"`
	ExpiresAt           time.Time    `gorm:"column:expires_at;not null;index"`
	UsedAt              *time.Time   `gorm:"column:used_at"`
	CreatedAt           time.Time    `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

func (AuthorizationCode) TableName() string { return "oauth_authorization_codes" }

// RefreshToken is one link in a rotation chain. Every rotation in a chain
// shares the FamilyID of the token issued at code exchange.
type RefreshToken struct {
	TokenHash      string       `gorm:"column:token_hash;type:text;primaryKey"`
	FamilyID       string       `gorm:"column:family_id;type:text;not null;index"`
	ClientID       string       `gorm:"column:client_id;type:text;not null;index"`
	UserID         snowflake.ID `gorm:"column:user_id;not null;index"`
	Scopes         []string     `gorm:"column:scopes;type:jsonb;serializer:json"`
	ExpiresAt      time.Time    `gorm:"column:expires_at;not null;index"`
	RevokedAt      *time.Time   `gorm:"column:revoked_at"`
	ReplacedByHash *string      `gorm:"column:replaced_by_hash;type:text"`
	CreatedAt      time.Time    `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

func (RefreshToken) TableName() string { return "oauth_refresh_tokens" }

type DeviceStatus string

const (
	DeviceStatusPending    DeviceStatus = "pending"
	DeviceStatusAuthorized DeviceStatus = "authorized"
	DeviceStatusDenied     DeviceStatus = "denied"
	DeviceStatusExpired    DeviceStatus = "expired"
)

// DeviceCode tracks one RFC 8628 device authorization.
type DeviceCode struct {
	DeviceCodeHash  string        `gorm:"column:device_code_hash;type:text;primaryKey"`
	UserCode        string        `gorm:"column:user_code;type:text;not null;uniqueIndex"`
	ClientID        string        `gorm:"column:client_id;type:text;not null;index"`
	Status          DeviceStatus  `gorm:"column:status;type:text;not null;default:'pending'"`
	IntervalSeconds int           `gorm:"column:interval_seconds;not null"`
	LastPollAt      *time.Time    `gorm:"column:last_poll_at"`
	PollCount       int           `gorm:"column:poll_count;not null;default:0"`
	UserID          *snowflake.ID `gorm:"column:user_id"`
	Scopes          []string      `gorm:"column:scopes;type:jsonb;serializer:json"`
	ExpiresAt       time.Time     `gorm:"column:expires_at;not null;index"`
	CreatedAt       time.Time     `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

func (DeviceCode) TableName() string { return "oauth_device_codes" }

func (d *DeviceCode) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds) * time.Second
}
