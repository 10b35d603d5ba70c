package unlock

import (
	"adgate/pkg/db"

	"go.uber.org/fx"
)

var Module = fx.Module("unlock.service",
	db.ProvideModels(&Session{}),
	fx.Provide(NewService),
)
