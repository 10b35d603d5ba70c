package gateway

import "go.uber.org/fx"

var Routes = fx.Module("gateway.routes",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
