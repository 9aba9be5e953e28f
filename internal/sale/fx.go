package sale

import (
	"github.com/smallbiznis/caisse/internal/sale/repository"
	"github.com/smallbiznis/caisse/internal/sale/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sale.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(repository.NewSnapshotLoader),
	fx.Provide(service.NewService),
)
