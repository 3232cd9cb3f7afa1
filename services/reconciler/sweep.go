package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"musicgen-controlplane/pkg/featureflags"
	"musicgen-controlplane/pkg/logger"
	"musicgen-controlplane/pkg/rediskey"
	"musicgen-controlplane/pkg/taskname"
	"musicgen-controlplane/services/generation"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sweep skip reasons.
const (
	SkipAlreadyRunning = "already_running"
	SkipCooldown       = "cooldown"
)

type SweepPayload struct {
	BatchSize     int `json:"batch_size,omitempty"`
	MaxAgeMinutes int `json:"max_age_minutes,omitempty"`
}

type SweepResult struct {
	Skipped     bool   `json:"skipped"`
	SkipReason  string `json:"skip_reason,omitempty"`
	Tasks       int    `json:"tasks"`
	Batches     int    `json:"batches"`
	Updated     int    `json:"updated"`
	Deferred    bool   `json:"deferred"`
	Generations int    `json:"generations"`
}

// RunBulkSweep reconciles every active task created in the last
// maxAgeMinutes, batchSize ids per provider call. Only one sweep runs at a
// time across all workers, and sweeps start at most once per
// SweepMinInterval. A rate limited batch stops the run; the remaining work is
// left for the next sweep.
func (s *Scheduler) RunBulkSweep(ctx context.Context, batchSize, maxAgeMinutes int) (*SweepResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Scheduler.RunBulkSweep")
	defer span.End()
	log := logger.FromContext(ctx)

	if batchSize <= 0 {
		batchSize = s.opts.SweepBatchSize
	}
	res := &SweepResult{}

	token := uuid.NewString()
	locked, err := s.locks.AcquireLock(ctx, rediskey.SweepLockKey(), token, s.opts.SweepLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !locked {
		sweepRuns.WithLabelValues(SkipAlreadyRunning).Inc()
		res.Skipped, res.SkipReason = true, SkipAlreadyRunning
		return res, nil
	}
	defer func() {
		if _, err := s.locks.ReleaseLock(context.WithoutCancel(ctx), rediskey.SweepLockKey(), token); err != nil {
			log.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	if s.opts.SweepMinInterval > 0 {
		fresh, err := s.locks.AcquireLock(ctx, rediskey.SweepCooldownKey(), token, s.opts.SweepMinInterval)
		if err != nil {
			return nil, fmt.Errorf("acquire sweep cooldown: %w", err)
		}
		if !fresh {
			sweepRuns.WithLabelValues(SkipCooldown).Inc()
			res.Skipped, res.SkipReason = true, SkipCooldown
			return res, nil
		}
	}

	filter := generation.ContentFilter{RequireProviderID: true}
	if maxAgeMinutes > 0 {
		since := s.clock.Now().Add(-time.Duration(maxAgeMinutes) * time.Minute)
		filter.CreatedAfter = &since
	}
	pending, err := s.contents.FindByStatusIn(ctx, generation.ActiveStatuses, filter)
	if err != nil {
		sweepRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list active content tasks: %w", err)
	}
	res.Tasks = len(pending)
	span.SetAttributes(attribute.Int("sweep.tasks", len(pending)))

	touched := map[string]struct{}{}
	var errs []error
	for start := 0; start < len(pending); start += batchSize {
		if start > 0 && s.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-s.clock.After(s.opts.BatchDelay):
			}
		}

		end := min(start+batchSize, len(pending))
		batch := pending[start:end]
		ids := make([]string, 0, len(batch))
		for _, c := range batch {
			ids = append(ids, c.ProviderTaskID)
			if c.GenerationID != nil {
				touched[*c.GenerationID] = struct{}{}
			}
		}

		res.Batches++
		out, err := s.reconciler.Reconcile(ctx, ids)
		if err != nil {
			log.Warn("sweep batch failed", zap.Int("batch", res.Batches), zap.Error(err))
			errs = append(errs, err)
		}
		if out == nil {
			continue
		}
		res.Updated += out.Updated
		if out.Deferred {
			res.Deferred = true
			log.Info("sweep stopped by rate limit", zap.Int("batch", res.Batches), zap.Int("remaining", len(pending)-start))
			break
		}
	}

	res.Generations = len(touched)
	if err := s.recomputeAll(ctx, touched); err != nil {
		errs = append(errs, err)
	}

	outcome := "ok"
	if len(errs) > 0 {
		outcome = "error"
	}
	sweepRuns.WithLabelValues(outcome).Inc()
	log.Info("status sweep finished",
		zap.Int("tasks", res.Tasks),
		zap.Int("batches", res.Batches),
		zap.Int("updated", res.Updated),
		zap.Bool("deferred", res.Deferred),
	)
	return res, errors.Join(errs...)
}

// recomputeAll refreshes every generation that had a child in the sweep, so
// parents whose children were changed by other writers still converge.
func (s *Scheduler) recomputeAll(ctx context.Context, ids map[string]struct{}) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for id := range ids {
		g.Go(func() error {
			_, err := s.aggregates.Recompute(gctx, id)
			if errors.Is(err, generation.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("recompute generation %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func sweepTaskID(prefix string, at time.Time) string {
	return fmt.Sprintf("%s:%d", prefix, at.Truncate(time.Minute).Unix())
}

// ScheduleSweep enqueues a sweep to run after delay. Requests landing in the
// same minute collapse into one task.
func (s *Scheduler) ScheduleSweep(ctx context.Context, delay time.Duration) error {
	_, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.GenerationStatusSweep, nil),
		asynq.ProcessIn(delay),
		asynq.TaskID(sweepTaskID("sweep", s.clock.Now().Add(delay))),
		asynq.Queue(taskname.QueueLow),
		asynq.MaxRetry(1),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (s *Scheduler) sweepEnabled(ctx context.Context) bool {
	if s.flags == nil {
		return true
	}
	return s.flags.IsEnabled(ctx, featureflags.StatusSweep, true)
}

// HandleBulkSweep runs one sweep and queues the next one, sooner when this
// run failed.
func (s *Scheduler) HandleBulkSweep(ctx context.Context, t *asynq.Task) error {
	var p SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if p.MaxAgeMinutes == 0 {
		p.MaxAgeMinutes = s.opts.SweepMaxAgeMinutes
	}

	next := s.opts.SweepInterval
	if !s.sweepEnabled(ctx) {
		logger.FromContext(ctx).Info("status sweep disabled by flag")
		sweepRuns.WithLabelValues("disabled").Inc()
	} else if _, err := s.RunBulkSweep(ctx, p.BatchSize, p.MaxAgeMinutes); err != nil {
		logger.FromContext(ctx).Error("status sweep failed", zap.Error(err))
		next = s.opts.SweepRetryInterval
	}
	if next <= 0 {
		return nil
	}
	return s.ScheduleSweep(ctx, next)
}
