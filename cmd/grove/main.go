package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/internal/migration"
	"github.com/smallbiznis/grove/internal/observability"
	"github.com/smallbiznis/grove/internal/server"
	"github.com/smallbiznis/grove/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
