package auth

import (
	"github.com/smallbiznis/grove/internal/auth/repository"
	"github.com/smallbiznis/grove/internal/auth/service"
	"go.uber.org/fx"
)

// Module provides the user directory and the legacy database session tier.
var Module = fx.Module("auth.directory",
	fx.Provide(
		repository.New,
		service.New,
	),
)
