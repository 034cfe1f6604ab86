package oauth2provider

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("auth.oauth2.provider",
	fx.Provide(NewConfig),
	fx.Provide(NewStore),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Provide(NewCleanupRunner),
	fx.Invoke(StartCleanup),
)

func StartCleanup(lc fx.Lifecycle, runner *CleanupRunner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go runner.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
