package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"musicgen-controlplane/pkg/config"
	"musicgen-controlplane/pkg/featureflags"
	"musicgen-controlplane/pkg/logger"
	"musicgen-controlplane/pkg/ratelimit"
	"musicgen-controlplane/pkg/task"
	"musicgen-controlplane/pkg/taskname"
	"musicgen-controlplane/services/generation"

	"github.com/facebookgo/clock"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// StatusReconciler is satisfied by *Reconciler.
type StatusReconciler interface {
	Reconcile(ctx context.Context, providerTaskIDs []string) (*Result, error)
}

type RecheckPayload struct {
	ProviderTaskID string `json:"provider_task_id"`
	Attempt        int    `json:"attempt"`
}

type SchedulerOptions struct {
	MaxAttempts int
	// DeferDelay is how long a rate limited check waits before trying the
	// same attempt again.
	DeferDelay time.Duration

	SweepBatchSize     int
	SweepMaxAgeMinutes int
	SweepInterval      time.Duration
	SweepRetryInterval time.Duration
	SweepMinInterval   time.Duration
	SweepLockTTL       time.Duration
	BatchDelay         time.Duration
}

// Scheduler drives per-task rechecks on a backoff ladder and the periodic
// bulk sweep that backs them up.
type Scheduler struct {
	enqueuer   task.Enqueuer
	reconciler StatusReconciler
	contents   generation.ContentRepository
	aggregates AggregateRecomputer
	locks      ratelimit.CounterStore
	flags      featureflags.FeatureFlag
	clock      clock.Clock
	opts       SchedulerOptions
}

func NewRetryScheduler(
	enqueuer task.Enqueuer,
	reconciler StatusReconciler,
	contents generation.ContentRepository,
	aggregates AggregateRecomputer,
	locks ratelimit.CounterStore,
	clk clock.Clock,
	opts SchedulerOptions,
) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 25
	}
	if opts.DeferDelay <= 0 {
		opts.DeferDelay = time.Minute
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = 20
	}
	if opts.SweepLockTTL <= 0 {
		opts.SweepLockTTL = 10 * time.Minute
	}
	return &Scheduler{
		enqueuer:   enqueuer,
		reconciler: reconciler,
		contents:   contents,
		aggregates: aggregates,
		locks:      locks,
		clock:      clk,
		opts:       opts,
	}
}

type SchedulerParams struct {
	fx.In
	Config     *config.Config
	Clock      clock.Clock `optional:"true"`
	Enqueuer   task.Enqueuer
	Reconciler *Reconciler
	Contents   generation.ContentRepository
	Aggregator *generation.Aggregator
	Locks      ratelimit.CounterStore
	Flags      featureflags.FeatureFlag `optional:"true"`
}

func NewScheduler(p SchedulerParams) *Scheduler {
	rc := p.Config.Reconcile
	s := NewRetryScheduler(p.Enqueuer, p.Reconciler, p.Contents, p.Aggregator, p.Locks, p.Clock, SchedulerOptions{
		MaxAttempts:        rc.MaxAttempts,
		DeferDelay:         rc.RateWindow,
		SweepBatchSize:     rc.SweepBatchSize,
		SweepMaxAgeMinutes: rc.SweepMaxAgeMinutes,
		SweepInterval:      rc.SweepInterval,
		SweepRetryInterval: rc.SweepRetryInterval,
		SweepMinInterval:   rc.SweepMinInterval,
		SweepLockTTL:       rc.SweepLockTTL,
		BatchDelay:         rc.BatchDelay,
	})
	s.flags = p.Flags
	return s
}

// Backoff is the delay before check number attempt (zero based).
func Backoff(attempt int) time.Duration {
	switch {
	case attempt < 3:
		return 30 * time.Second
	case attempt < 6:
		return 45 * time.Second
	case attempt < 10:
		return 60 * time.Second
	case attempt < 15:
		return 90 * time.Second
	case attempt < 20:
		return 150 * time.Second
	case attempt < 25:
		return 300 * time.Second
	default:
		return 600 * time.Second
	}
}

func recheckTaskID(providerTaskID string, attempt int) string {
	return fmt.Sprintf("recheck:%s:%d", providerTaskID, attempt)
}

// ScheduleRecheck enqueues check number attempt after its backoff delay. The
// same (task, attempt) pair is only ever enqueued once.
func (s *Scheduler) ScheduleRecheck(ctx context.Context, providerTaskID string, attempt int) error {
	return s.scheduleAttempt(ctx, providerTaskID, attempt, 0)
}

func (s *Scheduler) scheduleAttempt(ctx context.Context, providerTaskID string, attempt int, minDelay time.Duration) error {
	if attempt < 0 {
		attempt = 0
	}
	delay := Backoff(attempt)
	if minDelay > delay {
		delay = minDelay
	}

	payload, err := json.Marshal(RecheckPayload{ProviderTaskID: providerTaskID, Attempt: attempt})
	if err != nil {
		return err
	}

	_, err = s.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.GenerationStatusCheck, payload),
		asynq.ProcessIn(delay),
		asynq.TaskID(recheckTaskID(providerTaskID, attempt)),
		asynq.Queue(taskname.QueueDefault),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// deferAttempt puts the same attempt back after the rate window without
// consuming budget.
func (s *Scheduler) deferAttempt(ctx context.Context, providerTaskID string, attempt int) error {
	payload, err := json.Marshal(RecheckPayload{ProviderTaskID: providerTaskID, Attempt: attempt})
	if err != nil {
		return err
	}
	_, err = s.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.GenerationStatusCheck, payload),
		asynq.ProcessIn(s.opts.DeferDelay),
		asynq.Queue(taskname.QueueDefault),
		asynq.MaxRetry(3),
	)
	return err
}

func (s *Scheduler) HandleRecheck(ctx context.Context, t *asynq.Task) error {
	var p RecheckPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode recheck payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.ProviderTaskID == "" {
		return fmt.Errorf("recheck payload without provider task id: %w", asynq.SkipRetry)
	}
	return s.Recheck(ctx, p.ProviderTaskID, p.Attempt)
}

// Recheck runs check number attempt for one task and arranges the next one
// while the task stays active. Once MaxAttempts checks have run the task is
// failed as timed out.
func (s *Scheduler) Recheck(ctx context.Context, providerTaskID string, attempt int) error {
	log := logger.FromContext(ctx).With(
		zap.String("provider_task_id", providerTaskID),
		zap.Int("attempt", attempt),
	)

	c, err := s.contents.FindByProviderID(ctx, providerTaskID)
	if errors.Is(err, generation.ErrNotFound) {
		log.Info("content task gone, dropping recheck")
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status.IsTerminal() {
		return nil
	}
	if attempt >= s.opts.MaxAttempts {
		return s.expire(ctx, c)
	}

	res, err := s.reconciler.Reconcile(ctx, []string{providerTaskID})
	if err != nil {
		return err
	}
	if res.Deferred {
		log.Debug("recheck deferred by rate limit")
		return s.deferAttempt(ctx, providerTaskID, attempt)
	}

	status := res.Status(providerTaskID)
	if status == "" || status.IsTerminal() {
		return nil
	}

	next := attempt + 1
	if next >= s.opts.MaxAttempts {
		return s.expire(ctx, c)
	}

	var minDelay time.Duration
	if res.ProviderError != nil {
		minDelay = time.Duration(res.ProviderError.RetryAfterSeconds) * time.Second
	}
	return s.scheduleAttempt(ctx, providerTaskID, next, minDelay)
}

// expire fails a task that used up its check budget.
func (s *Scheduler) expire(ctx context.Context, c *generation.Content) error {
	now := s.clock.Now()
	err := s.contents.UpdateActive(ctx, c.ID, failureFields(CategoryTimeout, ErrAttemptsExhausted.Error(), "", now))
	if errors.Is(err, generation.ErrTerminal) || errors.Is(err, generation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	transitions.WithLabelValues(string(generation.StatusFailed)).Inc()
	logger.FromContext(ctx).Warn("content task timed out",
		zap.String("content_id", c.ID),
		zap.String("provider_task_id", c.ProviderTaskID),
		zap.Int("max_attempts", s.opts.MaxAttempts),
	)

	if c.GenerationID != nil {
		if _, err := s.aggregates.Recompute(ctx, *c.GenerationID); err != nil && !errors.Is(err, generation.ErrNotFound) {
			logger.FromContext(ctx).Error("failed to recompute generation", zap.String("generation_id", *c.GenerationID), zap.Error(err))
		}
	}
	return nil
}
