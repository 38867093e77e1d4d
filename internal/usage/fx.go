package usage

import (
	"github.com/smallbiznis/licensegate/internal/usage/archive"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/reconcile"
	"github.com/smallbiznis/licensegate/internal/usage/repository"
	"github.com/smallbiznis/licensegate/internal/usage/service"
	"github.com/smallbiznis/licensegate/internal/usage/statement"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(
		func(s usagedomain.Service) usagedomain.Recorder { return s },
		func(s usagedomain.Service) usagedomain.Store { return s },
		func(s usagedomain.Service) usagedomain.Analytics { return s },
	),
	reconcile.Module,
	archive.Module,
	statement.Module,
)
