package integritymetrics

import "go.uber.org/fx"

var Module = fx.Module("integrity.metrics",
	fx.Provide(NewPusher),
	fx.Provide(New),
)
