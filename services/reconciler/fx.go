package reconciler

import (
	"context"
	"encoding/json"

	"musicgen-controlplane/pkg/config"
	"musicgen-controlplane/pkg/task"
	"musicgen-controlplane/pkg/taskname"
	"musicgen-controlplane/services/generation"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reconciler.service",
	fx.Provide(
		NewReconciler,
		NewScheduler,
		func(s *Scheduler) generation.RecheckScheduler { return s },
		NewHandler,
		fx.Annotate(archiveEntry, fx.ResultTags(`group:"periodic"`)),
	),
)

// Worker wires the asynq handlers and kicks off the sweep. Each sweep run
// queues the next one, so the sweep has no cron entry of its own.
var Worker = fx.Module("reconciler.worker",
	fx.Invoke(RegisterHandlers),
)

func archiveEntry(cfg *config.Config) task.PeriodicEntry {
	payload, _ := json.Marshal(map[string]any{"retention": cfg.Reconcile.ArchiveRetention})
	return task.PeriodicEntry{
		Cron: cfg.Reconcile.ArchiveCron,
		Task: asynq.NewTask(taskname.GenerationArchiveRun, payload),
		Opts: []asynq.Option{asynq.Queue(taskname.QueueLow), asynq.MaxRetry(1)},
	}
}

func RegisterHandlers(lc fx.Lifecycle, mux *asynq.ServeMux, scheduler *Scheduler, generations *generation.Service) {
	mux.HandleFunc(taskname.GenerationStatusCheck, scheduler.HandleRecheck)
	mux.HandleFunc(taskname.GenerationStatusSweep, scheduler.HandleBulkSweep)
	mux.HandleFunc(taskname.GenerationArchiveRun, generations.HandleArchiveTask)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := scheduler.ScheduleSweep(ctx, 0); err != nil {
				zap.L().Warn("[Reconciler] failed to schedule initial sweep", zap.Error(err))
			}
			return nil
		},
	})
}
