package main

import (
	"log"
	"os"

	"adgate/pkg/config"
	"adgate/pkg/db"
	"adgate/pkg/featureflags"
	"adgate/pkg/gen"
	"adgate/pkg/hashistack/secretmanager"
	"adgate/pkg/hashistack/servicediscover"
	"adgate/pkg/health"
	"adgate/pkg/httpapi"
	"adgate/pkg/logger"
	"adgate/pkg/otelcol"
	"adgate/pkg/profiling"
	"adgate/pkg/redis"
	"adgate/pkg/sequence"
	"adgate/pkg/server"
	"adgate/pkg/task"
	"adgate/services/attempt"
	"adgate/services/catalog"
	"adgate/services/gateway"
	"adgate/services/referral"
	"adgate/services/spend"
	"adgate/services/unlock"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		configModule(),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		gen.Module,
		featureflags.Module,
		health.Module,
		httpapi.Module,
		catalog.Module,
		unlock.Module,
		attempt.Module,
		referral.Module,
		referral.Producer,
		spend.Module,
		gateway.Routes,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func configModule() fx.Option {
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		return config.RemoteModule
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
