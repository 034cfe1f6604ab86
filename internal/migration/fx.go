package migration

import (
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply brings the schema up to date on startup. Postgres runs the
// versioned SQL migrations; the other dialects, used for local runs, get
// gorm's AutoMigrate of the same models.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if !cfg.RunMigrations {
		log.Info("schema migrations disabled")
		return nil
	}

	kind := db.Kind(cfg.DBType)
	if kind != "postgres" {
		log.Info("applying model migrations", zap.String("db_type", kind))
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	result, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema migrations applied",
		zap.Uint("from_version", result.From),
		zap.Uint("to_version", result.To),
		zap.Bool("changed", result.Applied),
	)
	return nil
}
