package main

import (
	"testing"

	"adgate/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func TestFxLoggerFollowsEnv(t *testing.T) {
	cfg := config.Default()
	log := zap.NewNop()

	cfg.AppEnv = "development"
	require.IsType(t, &fxevent.ZapLogger{}, newFxLogger(cfg, log))

	cfg.AppEnv = "production"
	require.Equal(t, fxevent.NopLogger, newFxLogger(cfg, log))
}
