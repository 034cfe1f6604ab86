package audit

import (
	"github.com/smallbiznis/grove/internal/audit/repository"
	"github.com/smallbiznis/grove/internal/audit/service"
	"go.uber.org/fx"
)

// Module provides the audit domain.Service every issuing and revoking
// component writes to.
var Module = fx.Module("audit",
	fx.Provide(repository.Provide, service.NewService),
)
