package main

import (
	"log"

	"adgate/pkg/config"
	"adgate/pkg/db"
	"adgate/pkg/featureflags"
	"adgate/pkg/gen"
	"adgate/pkg/hashistack/secretmanager"
	"adgate/pkg/logger"
	"adgate/pkg/otelcol"
	"adgate/pkg/profiling"
	"adgate/pkg/task"
	"adgate/services/referral"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// worker consumes unlock completions, feeds the referral counters and
// requeues completions that never reached the queue.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		gen.Module,
		featureflags.Module,
		task.Client,
		task.Server,
		referral.Module,
		referral.Worker,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(newFxLogger)

func newFxLogger(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
}
