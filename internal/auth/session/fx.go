package session

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("auth.session",
	fx.Provide(NewStore),
	fx.Provide(NewRegistryConfig),
	fx.Provide(NewRegistry),
	fx.Provide(NewCodecFromConfig),
	fx.Provide(NewManager),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, r *Registry) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			r.Close()
			return nil
		},
	})
}
