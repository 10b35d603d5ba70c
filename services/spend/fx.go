package spend

import "go.uber.org/fx"

var Module = fx.Module("spend.service",
	fx.Provide(
		NewRedisPublisher,
		NewCoordinator,
	),
)
