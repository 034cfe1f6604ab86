package db

import (
	"testing"

	"github.com/smallbiznis/grove/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	base := config.Config{
		AppName:    "grove auth",
		DBHost:     "db",
		DBPort:     "5432",
		DBName:     "grove",
		DBUser:     "grove",
		DBPassword: "pw",
		DBSSLMode:  "disable",
	}

	pg := base
	pg.DBType = "PostgreSQL"
	dsn, err := DSN(pg)
	require.NoError(t, err)
	assert.Contains(t, dsn, "dbname=grove")
	assert.Contains(t, dsn, "TimeZone=UTC")
	assert.Contains(t, dsn, "application_name=grove_auth")

	my := base
	my.DBType = "mysql"
	my.DBPort = "3306"
	dsn, err = DSN(my)
	require.NoError(t, err)
	assert.Equal(t, "grove:pw@tcp(db:3306)/grove?charset=utf8mb4&parseTime=True&loc=UTC", dsn)

	lite := base
	lite.DBType = "sqlite3"
	lite.DBName = "grove.db"
	dsn, err = DSN(lite)
	require.NoError(t, err)
	assert.Equal(t, "file:grove.db?_busy_timeout=5000&_foreign_keys=on", dsn)

	unknown := base
	unknown.DBType = "oracle"
	_, err = DSN(unknown)
	assert.Error(t, err)
	_, err = Dialect(unknown)
	assert.Error(t, err)
}
