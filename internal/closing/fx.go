package closing

import (
	"github.com/smallbiznis/caisse/internal/closing/domain"
	"github.com/smallbiznis/caisse/internal/closing/repository"
	"github.com/smallbiznis/caisse/internal/closing/service"
	organizationdomain "github.com/smallbiznis/caisse/internal/organization/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("closing.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(func(orgs organizationdomain.Service) domain.Calendar { return orgs }),
	fx.Provide(service.NewService),
	fx.Provide(service.NewClosedDays),
)
