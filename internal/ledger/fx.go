package ledger

import (
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"github.com/smallbiznis/caisse/internal/ledger/repository"
	"github.com/smallbiznis/caisse/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
	fx.Provide(func(svc ledgerdomain.Service) ledgerdomain.Appender { return svc }),
	fx.Provide(func(svc ledgerdomain.Service) ledgerdomain.Verifier { return svc }),
	fx.Provide(func(svc ledgerdomain.Service) ledgerdomain.ChainLocker { return svc }),
)
