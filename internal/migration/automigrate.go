package migration

import (
	auditdomain "github.com/smallbiznis/grove/internal/audit/domain"
	authdomain "github.com/smallbiznis/grove/internal/auth/domain"
	"github.com/smallbiznis/grove/internal/auth/oauth2provider"
	"github.com/smallbiznis/grove/internal/auth/session"
	"gorm.io/gorm"
)

// AutoMigrate creates the identity tables from the gorm models. It backs
// mysql and sqlite deployments, which the SQL migrations do not target.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&authdomain.User{},
		&authdomain.Session{},
		&session.Session{},
		&oauth2provider.Client{},
		&oauth2provider.AuthorizationCode{},
		&oauth2provider.RefreshToken{},
		&oauth2provider.DeviceCode{},
		&auditdomain.AuditLog{},
	)
}
