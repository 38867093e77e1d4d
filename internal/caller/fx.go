package caller

import (
	"github.com/smallbiznis/licensegate/internal/caller/repository"
	"github.com/smallbiznis/licensegate/internal/caller/service"
	"go.uber.org/fx"
)

var Module = fx.Module("caller.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
