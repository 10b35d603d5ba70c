package referral

import (
	"adgate/pkg/db"
	"adgate/services/unlock"

	"go.uber.org/fx"
)

var Module = fx.Module("referral.service",
	db.ProvideModels(&Account{}, &Referral{}, &LedgerEntry{}, &CountedUnlock{}),
	fx.Provide(NewService),
)

// Producer publishes unlock completions to the worker queue.
var Producer = fx.Module("referral.producer",
	fx.Provide(
		fx.Annotate(NewTaskObserver, fx.As(new(unlock.Observer))),
	),
)

// Worker counts queued completions and periodically requeues lost ones.
var Worker = fx.Module("referral.worker",
	fx.Provide(
		NewTaskHandler,
		NewReconciler,
	),
	fx.Invoke(
		registerTaskHandlers,
		startReconciler,
	),
)
