package catalog

import (
	"adgate/pkg/db"

	"go.uber.org/fx"
)

var Module = fx.Module("catalog.service",
	db.ProvideModels(&Content{}),
	fx.Provide(NewService),
)
