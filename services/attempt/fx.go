package attempt

import (
	"adgate/pkg/db"

	"go.uber.org/fx"
)

var Module = fx.Module("attempt.service",
	db.ProvideModels(&Attempt{}),
	fx.Provide(NewService),
)
