package db

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/grove/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm dialector for cfg.DBType. Every dialect stores
// timestamps in UTC.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch Kind(cfg.DBType) {
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return postgres.Open(dsn), nil
	}
}

func DSN(cfg config.Config) (string, error) {
	switch Kind(cfg.DBType) {
	case "postgres":
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC application_name=%s",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
			applicationName(cfg),
		), nil
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		), nil
	case "sqlite":
		name := strings.TrimSuffix(cfg.DBName, ".db") + ".db"
		return "file:" + name + "?" + url.Values{"_busy_timeout": {"5000"}, "_foreign_keys": {"on"}}.Encode(), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

// Kind normalizes DATABASE_TYPE aliases to postgres, mysql or sqlite.
func Kind(dbType string) string {
	switch t := strings.ToLower(strings.TrimSpace(dbType)); t {
	case "postgresql", "pg":
		return "postgres"
	case "sqlite3":
		return "sqlite"
	default:
		return t
	}
}

func applicationName(cfg config.Config) string {
	name := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\'' {
			return '_'
		}
		return r
	}, strings.TrimSpace(cfg.AppName))
	if name == "" {
		return "grove-auth"
	}
	return name
}
