package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"musicgen-controlplane/pkg/config"
	"musicgen-controlplane/pkg/db"
	"musicgen-controlplane/pkg/featureflags"
	"musicgen-controlplane/pkg/gen"
	"musicgen-controlplane/pkg/hashistack/secretmanager"
	"musicgen-controlplane/pkg/health"
	"musicgen-controlplane/pkg/httpapi"
	"musicgen-controlplane/pkg/logger"
	"musicgen-controlplane/pkg/profiling"
	"musicgen-controlplane/pkg/provider"
	"musicgen-controlplane/pkg/ratelimit"
	"musicgen-controlplane/pkg/redis"
	"musicgen-controlplane/pkg/server"
	"musicgen-controlplane/pkg/task"
	"musicgen-controlplane/pkg/telemetry"
	"musicgen-controlplane/services/generation"
	"musicgen-controlplane/services/reconciler"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		telemetry.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		ratelimit.Module,
		gen.Module,
		featureflags.Module,
		provider.Module,
		task.Client,
		health.Module,
		httpapi.Module,
		generation.Module,
		reconciler.Module,
		fx.Invoke(
			generation.RegisterRoutes,
			reconciler.RegisterRoutes,
		),
		server.ProvideHTTPServer,
		fxLogger,
	}
	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
